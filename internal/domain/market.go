package domain

import "time"

// EquivalenceGrade clasifica cuánto se parece un mercado a su par en otra venue.
type EquivalenceGrade string

const (
	EquivalenceUnset          EquivalenceGrade = ""
	EquivalenceIdentical      EquivalenceGrade = "identical"
	EquivalenceNearEquivalent EquivalenceGrade = "near_equivalent"
	EquivalenceSimilar        EquivalenceGrade = "similar"
	EquivalenceDifferent      EquivalenceGrade = "different"
)

// Pairable reporta si el grado permite operar el par entre venues.
func (g EquivalenceGrade) Pairable() bool {
	return g == EquivalenceUnset || g == EquivalenceIdentical || g == EquivalenceNearEquivalent
}

// Market es la clasificación de un mercado binario tal como la necesita el
// motor de riesgo. Los scores los calculan colaboradores externos.
type Market struct {
	Ticker           string
	Venue            string
	Question         string
	Category         string
	EndDate          time.Time // fecha de resolución; cero = desconocida
	Volume24h        float64   // volumen últimas 24h en USDC
	EquivalenceGrade EquivalenceGrade
	AmbiguityScore   float64 // 0..1
	LastPriceUpdate  time.Time
}

// TimeToSettlement devuelve el tiempo hasta la resolución medido desde at.
// Devuelve 0 si EndDate no está definido o ya pasó.
func (m Market) TimeToSettlement(at time.Time) time.Duration {
	if m.EndDate.IsZero() {
		return 0
	}
	d := m.EndDate.Sub(at)
	if d < 0 {
		return 0
	}
	return d
}
