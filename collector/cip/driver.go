// Package cip implements a minimal EtherNet/IP + CIP read path for
// Allen-Bradley controllers: one session per connection, sequential Read Tag
// requests routed over the backplane for chassis families.
package cip

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/intellimaint/edge/collector"
	"github.com/intellimaint/edge/model"
)

const defaultReadTimeout = 5 * time.Second

// Driver dials CIP endpoints.
type Driver struct {
	// ReadTimeout bounds a single request round trip when the scan context
	// carries no deadline of its own.
	ReadTimeout time.Duration
}

// New builds a CIP driver with default timeouts.
func New() *Driver { return &Driver{ReadTimeout: defaultReadTimeout} }

func (d *Driver) Protocol() string { return "cip" }

// Dial opens a TCP connection and registers an EtherNet/IP session.
func (d *Driver) Dial(ctx context.Context, ep *model.EndpointDescriptor) (collector.Conn, error) {
	addr := net.JoinHostPort(ep.Host, fmt.Sprint(ep.Port))
	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, model.Classified(model.KindNoRoute, err)
	}

	c := &conn{
		nc:      nc,
		slot:    ep.Slot,
		routed:  ep.Family != model.FamilyMicro800,
		timeout: d.ReadTimeout,
	}
	if err := c.register(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// conn is one registered EtherNet/IP session. The pool serializes use, so no
// locking here.
type conn struct {
	nc      net.Conn
	session uint32
	slot    int
	routed  bool
	timeout time.Duration
}

func (c *conn) register(ctx context.Context) error {
	c.applyDeadline(ctx)
	reply, err := exchange(c.nc, &encapFrame{
		command: cmdRegisterSession,
		payload: registerSessionPayload(),
	})
	if err != nil {
		return err
	}
	if reply.session == 0 {
		return model.Classified(model.KindNoRoute, fmt.Errorf("device assigned no session handle"))
	}
	c.session = reply.session
	return nil
}

// ReadBatch issues one Read Tag request per tag, sequentially on the session.
// Tag-level CIP errors land in the result slice; transport failures abort the
// whole batch.
func (c *conn) ReadBatch(ctx context.Context, tags []model.TagDescriptor) ([]collector.RawValue, error) {
	out := make([]collector.RawValue, len(tags))
	for i, tag := range tags {
		if err := ctx.Err(); err != nil {
			return nil, classifyNetErr(err)
		}
		v, err := c.readTag(ctx, tag.Address)
		if err != nil {
			kind := model.ClassifyError(err)
			if kind == model.KindTimeout || kind == model.KindNoRoute {
				return nil, err // the session is gone, not the tag
			}
			out[i] = collector.RawValue{Quality: model.QualityBad, Err: err}
			continue
		}
		out[i] = collector.RawValue{Value: v, Quality: model.QualityGood}
	}
	return out, nil
}

func (c *conn) readTag(ctx context.Context, address string) (any, error) {
	req, err := readTagRequest(address)
	if err != nil {
		return nil, model.Classified(model.KindBadTag, err)
	}
	if c.routed {
		req = unconnectedSend(req, c.slot)
	}

	c.applyDeadline(ctx)
	reply, err := exchange(c.nc, &encapFrame{
		command: cmdSendRRData,
		session: c.session,
		payload: sendRRDataPayload(req),
	})
	if err != nil {
		return nil, err
	}
	cipMsg, err := unpackRRData(reply.payload)
	if err != nil {
		return nil, model.Classified(model.KindUnknown, err)
	}
	r, err := parseReply(cipMsg)
	if err != nil {
		return nil, model.Classified(model.KindUnknown, err)
	}
	if r.status != 0 {
		return nil, statusError(r)
	}
	return decodeValue(r.data)
}

// Close unregisters the session best-effort and drops the TCP connection.
func (c *conn) Close(ctx context.Context) error {
	c.applyDeadline(ctx)
	frame := &encapFrame{command: cmdUnRegisterSession, session: c.session}
	c.nc.Write(frame.marshal()) // the device replies by closing; don't wait
	return c.nc.Close()
}

// applyDeadline bounds the next round trip by the context deadline, falling
// back to the driver read timeout.
func (c *conn) applyDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	c.nc.SetDeadline(deadline)
}
