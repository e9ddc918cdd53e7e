package comlink_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/arnevik/comlink"
)

type MoveRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type MoveResponse struct {
	Accepted bool `json:"accepted"`
}

func Example() {
	router := comlink.NewRouter(comlink.Options{
		MaxRequestRate: 30,
	})
	router.Init()

	// Handlers receive the validated request; the authenticated sender
	// identity comes from the context, never from the envelope.
	router.Handle("player.move", func(ctx context.Context, req *comlink.Request) (any, error) {
		var move MoveRequest
		if err := json.Unmarshal(req.Payload, &move); err != nil {
			return nil, comlink.ErrInvalidFormat()
		}
		if move.X < 0 || move.Y < 0 {
			return nil, errors.New("out of bounds")
		}
		router.Broadcast("player.moved", map[string]any{
			"player": comlink.Sender(ctx),
			"x":      move.X,
			"y":      move.Y,
		})
		return &MoveResponse{Accepted: true}, nil
	})

	// Admin-gated action: the predicate is supplied by the host.
	isAdmin := func(senderID string) bool { return false }
	router.UseFor("server.shutdown", comlink.AdminMiddleware(isAdmin))
	router.Handle("server.shutdown", func(ctx context.Context, req *comlink.Request) (any, error) {
		return nil, nil
	})

	http.Handle("/ws", router)
	// http.ListenAndServe(":8080", nil)

	fmt.Println("Router ready")
	// Output: Router ready
}

func ExampleClient_Request() {
	// Connect and issue a request; the completion resolves or rejects
	// exactly once.
	ctx := context.Background()
	client, err := comlink.Dial(ctx, "ws://localhost:8080/ws", comlink.Options{
		RetryMaxAttempts: 3,
	})
	if err != nil {
		return
	}
	defer client.Close()

	client.On("player.moved", func(payload jsontext.Value) {
		// react to server pushes
	})

	client.Request("player.move", &MoveRequest{X: 3, Y: 4}).
		OnResolve(func(data jsontext.Value) {
			var resp MoveResponse
			json.Unmarshal(data, &resp)
		}).
		OnReject(func(err error) {
			if errors.Is(err, comlink.ErrTimeout) {
				// the server never answered
			}
		})
}
