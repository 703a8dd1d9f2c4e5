package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/polyguard/internal/adapters/paper"
	"github.com/alejandrodnm/polyguard/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyguard/internal/application/breaker"
	"github.com/alejandrodnm/polyguard/internal/application/orchestrator"
	"github.com/alejandrodnm/polyguard/internal/application/reconcile"
	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/domain/risk"
	"github.com/alejandrodnm/polyguard/internal/domain/toxicity"
)

// Config es la configuración completa del servicio.
type Config struct {
	Risk         RiskConfig         `yaml:"risk"`
	Toxicity     ToxicityConfig     `yaml:"toxicity"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	Paper        PaperConfig        `yaml:"paper"`
	Portfolio    PortfolioConfig    `yaml:"portfolio"`
	Storage      StorageConfig      `yaml:"storage"`
	NATS         NATSConfig         `yaml:"nats"`
	API          APIConfig          `yaml:"api"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Log          LogConfig          `yaml:"log"`
}

// RiskConfig son los umbrales de los invariantes. Los porcentajes son
// fracciones (0.05 = 5%). Un campo a cero toma el valor por defecto.
type RiskConfig struct {
	MaxPositionPct           float64 `yaml:"max_position_pct"`
	MaxConcentrationPct      float64 `yaml:"max_concentration_pct"`
	MaxMarketExposurePct     float64 `yaml:"max_market_exposure_pct"`
	MaxCategoryExposurePct   float64 `yaml:"max_category_exposure_pct"`
	MaxDailyLossPct          float64 `yaml:"max_daily_loss_pct"`
	MaxDrawdownPct           float64 `yaml:"max_drawdown_pct"`
	MaxWeeklyLossPct         float64 `yaml:"max_weekly_loss_pct"`
	MinLiquidity24h          float64 `yaml:"min_liquidity_24h"`
	MaxVPIN                  float64 `yaml:"max_vpin"`
	MaxSpread                float64 `yaml:"max_spread"`
	MinHoursToSettlement     float64 `yaml:"min_hours_to_settlement"`
	MaxAmbiguity             float64 `yaml:"max_ambiguity"`
	MaxPriceStalenessSeconds int     `yaml:"max_price_staleness_seconds"`
	MinOrderNotional         float64 `yaml:"min_order_notional"`
	MaxOrderNotional         float64 `yaml:"max_order_notional"`
	Parallel                 bool    `yaml:"parallel"` // evalúa los invariantes en goroutines
}

// ToxicityConfig controla el cálculo de VPIN.
type ToxicityConfig struct {
	BucketSize        float64 `yaml:"bucket_size"` // notional USDC por bucket
	RollingBuckets    int     `yaml:"rolling_buckets"`
	ElevatedThreshold float64 `yaml:"elevated_threshold"`
	ToxicThreshold    float64 `yaml:"toxic_threshold"`
	TradeWindowHours  float64 `yaml:"trade_window_hours"` // historia de trades usada
}

// BreakerConfig son los umbrales de fallos consecutivos.
type BreakerConfig struct {
	CautionAfter int `yaml:"caution_after"`
	HaltAfter    int `yaml:"halt_after"`
}

// OrchestratorConfig controla el pipeline de una orden.
type OrchestratorConfig struct {
	Mode               string  `yaml:"mode"` // paper | live
	RiskTimeoutMS      int     `yaml:"risk_timeout_ms"`
	MaxRiskRetries     int     `yaml:"max_risk_retries"`
	MaxRetries         int     `yaml:"max_retries"`
	MaxSpread          float64 `yaml:"max_spread"`
	MinDepth           float64 `yaml:"min_depth"`
	DepthDistanceCents float64 `yaml:"depth_distance_cents"`
}

// ReconcileConfig controla el batch de reconciliación.
type ReconcileConfig struct {
	IntervalSeconds int     `yaml:"interval_seconds"`
	Workers         int     `yaml:"workers"` // 0 = NumCPU
	RatePerSec      float64 `yaml:"rate_per_sec"`
	Burst           int     `yaml:"burst"`
	TolerancePct    float64 `yaml:"tolerance_pct"` // drift aceptado, en puntos porcentuales
}

// PaperConfig controla el simulador de ejecución.
type PaperConfig struct {
	SlippageTicks int64   `yaml:"slippage_ticks"`
	TickSize      float64 `yaml:"tick_size"` // centavos
}

// PortfolioConfig es el capital contra el que se miden los límites. Las
// posiciones se derivan de las órdenes abiertas en storage.
type PortfolioConfig struct {
	Value       float64 `yaml:"value"` // USDC
	DailyPnL    float64 `yaml:"daily_pnl"`
	WeeklyPnL   float64 `yaml:"weekly_pnl"`
	MaxDrawdown float64 `yaml:"max_drawdown"` // fracción desde el pico
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// NATSConfig controla el bus de eventos. URL vacía desactiva NATS.
type NATSConfig struct {
	URL              string `yaml:"url"`
	Name             string `yaml:"name"`
	SubjectPrefix    string `yaml:"subject_prefix"`
	EventsSubject    string `yaml:"events_subject"` // eventos de ejecución del venue
	SignalsSubject   string `yaml:"signals_subject"`
	QueueGroup       string `yaml:"queue_group"`
	GatewayPrefix    string `yaml:"gateway_prefix"` // request-reply del venue gateway (live)
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

// APIConfig contiene los base URLs de las APIs.
type APIConfig struct {
	CLOBBase  string `yaml:"clob_base"`
	GammaBase string `yaml:"gamma_base"`
	DataBase  string `yaml:"data_base"`
}

// MetricsConfig controla el endpoint de Prometheus. Addr vacío lo desactiva.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	// Los límites de riesgo se siembran antes de parsear para que un 0
	// explícito en el YAML se respete.
	cfg := Config{Risk: defaultRiskConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate rechaza combinaciones que el servicio no puede ejecutar.
func (c *Config) Validate() error {
	switch c.Orchestrator.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("orchestrator.mode must be paper or live, got %q", c.Orchestrator.Mode)
	}
	if c.Breaker.CautionAfter >= c.Breaker.HaltAfter {
		return fmt.Errorf("breaker.caution_after (%d) must be below halt_after (%d)",
			c.Breaker.CautionAfter, c.Breaker.HaltAfter)
	}
	if c.Toxicity.ElevatedThreshold >= c.Toxicity.ToxicThreshold {
		return fmt.Errorf("toxicity.elevated_threshold (%.2f) must be below toxic_threshold (%.2f)",
			c.Toxicity.ElevatedThreshold, c.Toxicity.ToxicThreshold)
	}
	if c.Orchestrator.Mode == "live" && c.NATS.URL == "" {
		return fmt.Errorf("live mode needs nats.url to receive execution events")
	}
	return nil
}

// RiskLimits convierte la sección risk en los límites del motor.
func (c *Config) RiskLimits() risk.Limits {
	r := c.Risk
	return risk.Limits{
		MaxPositionPct:         r.MaxPositionPct,
		MaxConcentrationPct:    r.MaxConcentrationPct,
		MaxMarketExposurePct:   r.MaxMarketExposurePct,
		MaxCategoryExposurePct: r.MaxCategoryExposurePct,
		MaxDailyLossPct:        r.MaxDailyLossPct,
		MaxDrawdownPct:         r.MaxDrawdownPct,
		MaxWeeklyLossPct:       r.MaxWeeklyLossPct,
		MinLiquidity24h:        r.MinLiquidity24h,
		MaxVPIN:                r.MaxVPIN,
		MaxSpread:              r.MaxSpread,
		MinTimeToSettlement:    time.Duration(r.MinHoursToSettlement * float64(time.Hour)),
		MaxAmbiguity:           r.MaxAmbiguity,
		MaxPriceStaleness:      time.Duration(r.MaxPriceStalenessSeconds) * time.Second,
		MinOrderNotional:       r.MinOrderNotional,
		MaxOrderNotional:       r.MaxOrderNotional,
	}
}

// ToxicityParams devuelve la configuración de VPIN.
func (c *Config) ToxicityParams() toxicity.Config {
	return toxicity.Config{
		BucketSize:        c.Toxicity.BucketSize,
		RollingBuckets:    c.Toxicity.RollingBuckets,
		ElevatedThreshold: c.Toxicity.ElevatedThreshold,
		ToxicThreshold:    c.Toxicity.ToxicThreshold,
	}
}

// TradeWindow es la historia de trades que alimenta VPIN.
func (c *Config) TradeWindow() time.Duration {
	return time.Duration(c.Toxicity.TradeWindowHours * float64(time.Hour))
}

// BreakerParams devuelve los umbrales del circuit breaker.
func (c *Config) BreakerParams() breaker.Config {
	return breaker.Config{CautionAfter: c.Breaker.CautionAfter, HaltAfter: c.Breaker.HaltAfter}
}

// OrchestratorParams devuelve la configuración del pipeline.
func (c *Config) OrchestratorParams() orchestrator.Config {
	o := c.Orchestrator
	mode := domain.ModePaper
	if o.Mode == "live" {
		mode = domain.ModeLive
	}
	return orchestrator.Config{
		Mode:           mode,
		RiskTimeout:    time.Duration(o.RiskTimeoutMS) * time.Millisecond,
		MaxRiskRetries: o.MaxRiskRetries,
		MaxRetries:     o.MaxRetries,
		MaxSpread:      o.MaxSpread,
		MinDepth:       o.MinDepth,
	}
}

// ReconcileParams devuelve la configuración del batch.
func (c *Config) ReconcileParams() reconcile.Config {
	r := c.Reconcile
	return reconcile.Config{
		Interval:   time.Duration(r.IntervalSeconds) * time.Second,
		Workers:    r.Workers,
		RatePerSec: r.RatePerSec,
		Burst:      r.Burst,
	}
}

// PaperParams devuelve la configuración del simulador.
func (c *Config) PaperParams() paper.Config {
	return paper.Config{SlippageTicks: c.Paper.SlippageTicks, TickSize: c.Paper.TickSize}
}

// RequestTimeout es el deadline de una petición al venue gateway.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.NATS.RequestTimeoutMS) * time.Millisecond
}

// Endpoints devuelve los base URLs de Polymarket.
func (c *Config) Endpoints() polymarket.Endpoints {
	return polymarket.Endpoints{CLOB: c.API.CLOBBase, Gamma: c.API.GammaBase, Data: c.API.DataBase}
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("POLYGUARD_MODE"); v != "" {
		cfg.Orchestrator.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("POLYGUARD_DB"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("RISK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.RiskTimeoutMS = ms
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
// Los umbrales de riesgo a cero los completa risk.NewEngine.
// defaultRiskConfig expresa risk.DefaultLimits en las unidades del YAML.
func defaultRiskConfig() RiskConfig {
	d := risk.DefaultLimits()
	return RiskConfig{
		MaxPositionPct:           d.MaxPositionPct,
		MaxConcentrationPct:      d.MaxConcentrationPct,
		MaxMarketExposurePct:     d.MaxMarketExposurePct,
		MaxCategoryExposurePct:   d.MaxCategoryExposurePct,
		MaxDailyLossPct:          d.MaxDailyLossPct,
		MaxDrawdownPct:           d.MaxDrawdownPct,
		MaxWeeklyLossPct:         d.MaxWeeklyLossPct,
		MinLiquidity24h:          d.MinLiquidity24h,
		MaxVPIN:                  d.MaxVPIN,
		MaxSpread:                d.MaxSpread,
		MinHoursToSettlement:     d.MinTimeToSettlement.Hours(),
		MaxAmbiguity:             d.MaxAmbiguity,
		MaxPriceStalenessSeconds: int(d.MaxPriceStaleness / time.Second),
		MinOrderNotional:         d.MinOrderNotional,
		MaxOrderNotional:         d.MaxOrderNotional,
	}
}

func setDefaults(cfg *Config) {
	if cfg.Toxicity.BucketSize <= 0 {
		cfg.Toxicity.BucketSize = 1000
	}
	if cfg.Toxicity.RollingBuckets <= 0 {
		cfg.Toxicity.RollingBuckets = 50
	}
	if cfg.Toxicity.ElevatedThreshold <= 0 {
		cfg.Toxicity.ElevatedThreshold = 0.3
	}
	if cfg.Toxicity.ToxicThreshold <= 0 {
		cfg.Toxicity.ToxicThreshold = 0.6
	}
	if cfg.Toxicity.TradeWindowHours <= 0 {
		cfg.Toxicity.TradeWindowHours = 6
	}
	if cfg.Breaker.CautionAfter <= 0 {
		cfg.Breaker.CautionAfter = 3
	}
	if cfg.Breaker.HaltAfter <= 0 {
		cfg.Breaker.HaltAfter = 5
	}
	if cfg.Orchestrator.Mode == "" {
		cfg.Orchestrator.Mode = "paper"
	}
	if cfg.Orchestrator.RiskTimeoutMS <= 0 {
		cfg.Orchestrator.RiskTimeoutMS = 2000
	}
	if cfg.Orchestrator.MaxRiskRetries <= 0 {
		cfg.Orchestrator.MaxRiskRetries = 2
	}
	if cfg.Orchestrator.MaxRetries <= 0 {
		cfg.Orchestrator.MaxRetries = domain.DefaultMaxRetries
	}
	if cfg.Orchestrator.MaxSpread <= 0 {
		cfg.Orchestrator.MaxSpread = 0.10
	}
	if cfg.Orchestrator.DepthDistanceCents <= 0 {
		cfg.Orchestrator.DepthDistanceCents = 2
	}
	if cfg.Reconcile.IntervalSeconds <= 0 {
		cfg.Reconcile.IntervalSeconds = 60
	}
	if cfg.Reconcile.TolerancePct <= 0 {
		cfg.Reconcile.TolerancePct = 0.5
	}
	if cfg.Paper.TickSize <= 0 {
		cfg.Paper.TickSize = 1
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polyguard.db"
	}
	if cfg.NATS.Name == "" {
		cfg.NATS.Name = "polyguard"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "polyguard"
	}
	if cfg.NATS.EventsSubject == "" {
		cfg.NATS.EventsSubject = "venue.polymarket.executions"
	}
	if cfg.NATS.SignalsSubject == "" {
		cfg.NATS.SignalsSubject = cfg.NATS.SubjectPrefix + ".signals"
	}
	if cfg.NATS.GatewayPrefix == "" {
		cfg.NATS.GatewayPrefix = "gateway.polymarket"
	}
	if cfg.NATS.RequestTimeoutMS <= 0 {
		cfg.NATS.RequestTimeoutMS = 5000
	}
	if cfg.Portfolio.Value <= 0 {
		cfg.Portfolio.Value = 10000
	}
	if cfg.NATS.QueueGroup == "" {
		cfg.NATS.QueueGroup = "polyguard"
	}
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.API.DataBase == "" {
		cfg.API.DataBase = "https://data-api.polymarket.com"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
