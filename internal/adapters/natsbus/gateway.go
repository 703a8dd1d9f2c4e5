package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alejandrodnm/polyguard/internal/domain"
	"github.com/alejandrodnm/polyguard/internal/telemetry"
)

// Requester is the request-reply part of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// Gateway reaches a venue gateway service over request-reply. It is the
// live ports.ExecutionAdapter and the broker side of live reconciliation;
// fills arrive later as execution events.
type Gateway struct {
	conn    Requester
	prefix  string
	timeout time.Duration
}

// NewGateway sends requests under <prefix>.submit and <prefix>.position.
func NewGateway(conn Requester, prefix string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{conn: conn, prefix: prefix, timeout: timeout}
}

type positionRequest struct {
	OrderID string `json:"order_id"`
}

type positionReply struct {
	OrderID string  `json:"order_id"`
	Size    float64 `json:"size"`
	Error   string  `json:"error,omitempty"`
}

// Submit forwards the order. A reply with an error field is a venue
// refusal, not a transport failure.
func (g *Gateway) Submit(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	var res domain.ExecutionResult
	if err := g.request(ctx, g.prefix+".submit", req, &res); err != nil {
		return res, fmt.Errorf("natsbus.Submit: %s: %w", req.OrderID, err)
	}
	if res.OrderID == "" {
		res.OrderID = req.OrderID
	}
	if res.Mode == "" {
		res.Mode = req.Mode
	}
	if res.SubmittedAt.IsZero() {
		res.SubmittedAt = time.Now().UTC()
	}
	return res, nil
}

// Position asks the venue for the filled size of orderID.
func (g *Gateway) Position(ctx context.Context, orderID string) (float64, error) {
	var rep positionReply
	if err := g.request(ctx, g.prefix+".position", positionRequest{OrderID: orderID}, &rep); err != nil {
		return 0, fmt.Errorf("natsbus.Position: %s: %w", orderID, err)
	}
	if rep.Error != "" {
		return 0, fmt.Errorf("natsbus.Position: %s: venue: %s", orderID, rep.Error)
	}
	return rep.Size, nil
}

func (g *Gateway) request(ctx context.Context, subject string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	msg, err := g.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return err
	}
	telemetry.NATSMessagesPublished.WithLabelValues(subject).Inc()
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
