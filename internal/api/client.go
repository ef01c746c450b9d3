package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	apitypes "github.com/sebas/linemux/api/types/v1"
)

// Client is a typed client for linemux.v1.CallControl.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// DialResult identifies the connection created by Dial. ConnectionID is
// empty for in-call control codes.
type DialResult struct {
	Line         string `json:"line"`
	ConnectionID string `json:"connection_id"`
	Address      string `json:"address"`
}

func (c *Client) call(ctx context.Context, method string, req map[string]any, out any) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}
	if out == nil {
		return c.cc.Invoke(ctx, fullMethod(method), in, new(emptypb.Empty))
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

func lineReq(line string) map[string]any {
	if line == "" {
		return map[string]any{}
	}
	return map[string]any{"line": line}
}

// Status returns the call manager snapshot.
func (c *Client) Status(ctx context.Context) (apitypes.Status, error) {
	var st apitypes.Status
	err := c.call(ctx, "Status", nil, &st)
	return st, err
}

// Dial places a call on line, or on the default line when line is empty.
func (c *Client) Dial(ctx context.Context, line, number string) (DialResult, error) {
	req := lineReq(line)
	req["number"] = number
	var res DialResult
	err := c.call(ctx, "Dial", req, &res)
	return res, err
}

// Accept answers the ringing call of line, or the first ringing call.
func (c *Client) Accept(ctx context.Context, line string) error {
	return c.call(ctx, "Accept", lineReq(line), nil)
}

func (c *Client) Reject(ctx context.Context, line string) error {
	return c.call(ctx, "Reject", lineReq(line), nil)
}

// Switch swaps the active call with the held call of line.
func (c *Client) Switch(ctx context.Context, line string) error {
	return c.call(ctx, "Switch", lineReq(line), nil)
}

func (c *Client) HangupForegroundResumeBackground(ctx context.Context, line string) error {
	return c.call(ctx, "HangupForegroundResumeBackground", lineReq(line), nil)
}

// Hangup ends the call in slot ("ringing", "foreground" or "background").
func (c *Client) Hangup(ctx context.Context, line, slot string) error {
	req := lineReq(line)
	req["slot"] = slot
	return c.call(ctx, "Hangup", req, nil)
}

func (c *Client) HangupAll(ctx context.Context) error {
	return c.call(ctx, "HangupAll", nil, nil)
}

func (c *Client) Conference(ctx context.Context, line string) error {
	return c.call(ctx, "Conference", lineReq(line), nil)
}

func (c *Client) Transfer(ctx context.Context, line string) error {
	return c.call(ctx, "Transfer", lineReq(line), nil)
}

func (c *Client) StartDTMF(ctx context.Context, digit rune) error {
	return c.call(ctx, "StartDtmf", map[string]any{"digit": string(digit)}, nil)
}

func (c *Client) StopDTMF(ctx context.Context) error {
	return c.call(ctx, "StopDtmf", nil, nil)
}

func (c *Client) SendDTMF(ctx context.Context, digits string) error {
	return c.call(ctx, "SendDtmf", map[string]any{"digits": digits}, nil)
}

func (c *Client) SetMute(ctx context.Context, muted bool) error {
	return c.call(ctx, "SetMute", map[string]any{"muted": muted}, nil)
}

// Events streams fan-out events until ctx is done. kinds limits the
// stream; none means every kind. The error channel receives at most one
// error and is closed with the event channel.
func (c *Client) Events(ctx context.Context, kinds ...string) (<-chan apitypes.Event, <-chan error, error) {
	list := make([]any, len(kinds))
	for i, k := range kinds {
		list[i] = k
	}
	in, err := structpb.NewStruct(map[string]any{"kinds": list})
	if err != nil {
		return nil, nil, err
	}
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Events"))
	if err != nil {
		return nil, nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, err
	}

	out := make(chan apitypes.Event, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					errc <- err
				}
				return
			}
			var ev apitypes.Event
			if err := fromStruct(msg, &ev); err != nil {
				errc <- err
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc, nil
}
