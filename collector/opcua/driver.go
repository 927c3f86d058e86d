// Package opcua adapts the gopcua client to the collector driver contract:
// one client session per connection, one ReadRequest per scan batch.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"net"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/intellimaint/edge/collector"
	"github.com/intellimaint/edge/model"
)

// Driver dials OPC UA endpoints.
type Driver struct{}

// New builds an OPC UA driver.
func New() *Driver { return &Driver{} }

func (d *Driver) Protocol() string { return "opcua" }

// Dial connects and activates a session using the endpoint's security extras.
func (d *Driver) Dial(ctx context.Context, ep *model.EndpointDescriptor) (collector.Conn, error) {
	endpoint := fmt.Sprintf("opc.tcp://%s", net.JoinHostPort(ep.Host, fmt.Sprint(ep.Port)))

	opts := []gopcua.Option{
		gopcua.SecurityPolicy(orNone(ep.SecurityPolicy)),
		gopcua.SecurityModeString(orNone(ep.SecurityMode)),
	}
	if ep.Username != "" {
		opts = append(opts, gopcua.AuthUsername(ep.Username, ep.Password))
	} else {
		opts = append(opts, gopcua.AuthAnonymous())
	}

	client, err := gopcua.NewClient(endpoint, opts...)
	if err != nil {
		return nil, model.Classified(model.KindNoRoute, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, classifyRequestErr(err)
	}
	return &conn{client: client}, nil
}

type conn struct {
	client *gopcua.Client
}

// ReadBatch reads every tag in one ReadRequest. Node id parse failures and
// per-result bad statuses stay per-tag; a failed request drops the session.
func (c *conn) ReadBatch(ctx context.Context, tags []model.TagDescriptor) ([]collector.RawValue, error) {
	out := make([]collector.RawValue, len(tags))

	ids := make([]*ua.ReadValueID, 0, len(tags))
	slot := make([]int, 0, len(tags)) // request index -> tag index
	for i, tag := range tags {
		node, err := ua.ParseNodeID(tag.Address)
		if err != nil {
			out[i] = collector.RawValue{
				Quality: model.QualityBad,
				Err:     model.Classified(model.KindBadTag, err),
			}
			continue
		}
		ids = append(ids, &ua.ReadValueID{NodeID: node, AttributeID: ua.AttributeIDValue})
		slot = append(slot, i)
	}
	if len(ids) == 0 {
		return out, nil
	}

	resp, err := c.client.Read(ctx, &ua.ReadRequest{
		MaxAge:             0,
		NodesToRead:        ids,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return nil, classifyRequestErr(err)
	}
	if len(resp.Results) != len(ids) {
		return nil, model.Classified(model.KindUnknown,
			fmt.Errorf("read reply has %d results for %d nodes", len(resp.Results), len(ids)))
	}

	for ri, dv := range resp.Results {
		i := slot[ri]
		if dv.Status != ua.StatusOK {
			out[i] = collector.RawValue{
				Quality: qualityFromStatus(dv.Status),
				Err:     statusError(dv.Status),
			}
			continue
		}
		var raw any
		if dv.Value != nil {
			raw = dv.Value.Value()
		}
		out[i] = collector.RawValue{Value: raw, Quality: model.QualityGood}
	}
	return out, nil
}

func (c *conn) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// qualityFromStatus folds a UA status code onto the canonical quality scale.
func qualityFromStatus(s ua.StatusCode) int {
	switch {
	case s == ua.StatusOK:
		return model.QualityGood
	case s&ua.StatusUncertain == ua.StatusUncertain && s&ua.StatusBad != ua.StatusBad:
		return model.QualityUncertain
	}
	return model.QualityBad
}

// statusError maps a per-node UA status into the failure taxonomy.
func statusError(s ua.StatusCode) error {
	err := fmt.Errorf("ua status %s", s)
	switch s {
	case ua.StatusBadNodeIDUnknown, ua.StatusBadNodeIDInvalid:
		return model.Classified(model.KindBadTag, err)
	case ua.StatusBadTimeout:
		return model.Classified(model.KindTimeout, err)
	case ua.StatusBadTooManySessions, ua.StatusBadTooManyOperations:
		return model.Classified(model.KindTooManyConn, err)
	}
	return model.Classified(model.KindUnknown, err)
}

// classifyRequestErr maps a whole-request failure: timeouts are transient,
// everything transport-shaped means the server is unreachable.
func classifyRequestErr(err error) error {
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		switch sc {
		case ua.StatusBadTimeout, ua.StatusBadRequestTimeout:
			return model.Classified(model.KindTimeout, err)
		case ua.StatusBadTooManySessions, ua.StatusBadTooManyOperations:
			return model.Classified(model.KindTooManyConn, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Classified(model.KindTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return model.Classified(model.KindTimeout, err)
	}
	return model.Classified(model.KindNoRoute, err)
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
