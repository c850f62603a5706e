// Package natsutil provides typed NATS publish, subscribe and request/reply
// helpers with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// ErrorHeader carries a handler failure on a reply. The body then holds
// {"error": "..."}.
const ErrorHeader = "Nats-Service-Error"

// RemoteError is a failure reported by the replying service.
type RemoteError struct {
	Subject string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("natsutil: %s: remote error: %s", e.Subject, e.Message)
}

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// newMsg encodes v and injects the trace context of ctx.
func newMsg(ctx context.Context, subject string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

func extract(msg *nats.Msg) context.Context {
	return otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
}

// Publish serializes v as JSON and publishes it to subject.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := newMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Subscribe registers a handler for JSON messages of type T. Malformed
// messages are logged and dropped. A non-empty queue load-balances the
// subject across subscribers sharing it.
func Subscribe[T any](nc *nats.Conn, subject, queue string, logger *slog.Logger, handler func(context.Context, T)) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			logger.Warn("dropping malformed message", "subject", msg.Subject, "err", err)
			return
		}
		handler(extract(msg), v)
	})
}

// Serve answers requests on subject. The handler's response is sent as JSON;
// a handler error is sent with ErrorHeader set so Request can return it.
func Serve[Req, Resp any](nc *nats.Conn, subject, queue string, logger *slog.Logger, handler func(context.Context, Req) (Resp, error)) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		if msg.Reply == "" {
			logger.Warn("request without reply subject", "subject", msg.Subject)
			return
		}
		ctx := extract(msg)

		var req Req
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respondError(msg, fmt.Errorf("decode request: %w", err), logger)
			return
		}
		resp, err := handler(ctx, req)
		if err != nil {
			respondError(msg, err, logger)
			return
		}
		out, err := newMsg(ctx, msg.Reply, resp)
		if err != nil {
			respondError(msg, err, logger)
			return
		}
		if err := msg.RespondMsg(out); err != nil {
			logger.Error("reply failed", "subject", msg.Subject, "err", err)
		}
	})
}

func respondError(msg *nats.Msg, err error, logger *slog.Logger) {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	out := &nats.Msg{Subject: msg.Reply, Data: body, Header: nats.Header{}}
	out.Header.Set(ErrorHeader, err.Error())
	if rerr := msg.RespondMsg(out); rerr != nil {
		logger.Error("error reply failed", "subject", msg.Subject, "err", rerr)
	}
}

// Request sends req as JSON and decodes the reply. The deadline of ctx
// bounds the wait. A reply carrying ErrorHeader becomes a *RemoteError.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	msg, err := newMsg(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, fmt.Errorf("natsutil: request %s: %w", subject, err)
	}
	return decodeReply[Resp](subject, resp)
}

func decodeReply[Resp any](subject string, resp *nats.Msg) (Resp, error) {
	var zero Resp
	if resp.Header != nil {
		if m := resp.Header.Get(ErrorHeader); m != "" {
			return zero, &RemoteError{Subject: subject, Message: m}
		}
	}
	var result Resp
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return zero, fmt.Errorf("natsutil: decode reply %s: %w", subject, err)
	}
	return result, nil
}

// IsRemote reports whether err was raised by the replying service.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
