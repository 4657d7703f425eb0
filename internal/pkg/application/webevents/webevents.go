package webevents

import (
	"encoding/json"
	stdlog "log"
	"net/http"

	gosse "github.com/alexandrevicenzi/go-sse"
	"github.com/rs/zerolog"
)

// WebEvents pushes named JSON events to every connected SSE client.
//
//go:generate moq -rm -out webevents_mock.go . WebEvents
type WebEvents interface {
	Handler() http.Handler
	Shutdown()
	Publish(event string, data any) error
	ClientCount() int
}

type webEvents struct {
	s *gosse.Server
}

func New(log zerolog.Logger) WebEvents {
	return &webEvents{
		s: gosse.NewServer(&gosse.Options{
			Headers: map[string]string{
				"Cache-Control": "no-cache",
			},
			// every client listens on the same stream regardless of path
			ChannelNameFunc: func(r *http.Request) string {
				return "events"
			},
			Logger: stdlog.New(log.With().Str("component", "sse").Logger(), "", 0),
		}),
	}
}

func (we *webEvents) Handler() http.Handler {
	return we.s
}

func (we *webEvents) Shutdown() {
	we.s.Shutdown()
}

func (we *webEvents) ClientCount() int {
	return we.s.ClientCount()
}

func (we *webEvents) Publish(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	message := gosse.NewMessage("", string(b), event)
	we.s.SendMessage("", message)

	return nil
}
