// Package protocol is the data-channel wire format. Messages are text:
//
//	ping <sentAtMs>
//	pong <echoedMs> <serverMs>
//	{...}   JSON prompt request (client to backend) or generation result
//
// Decode turns a raw message into a tagged Envelope once, at the edge.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"genloop/internal/core/domain"
)

type Kind string

const (
	KindPing    Kind = "ping"
	KindPong    Kind = "pong"
	KindRequest Kind = "request"
	KindResult  Kind = "result"
	KindUnknown Kind = "unknown"
)

type Ping struct {
	SentAt int64
}

type Pong struct {
	Echoed   int64
	ServerAt int64
}

// Envelope holds exactly one payload, selected by Kind.
type Envelope struct {
	Kind    Kind
	Ping    *Ping
	Pong    *Pong
	Request *domain.PromptRequest
	Result  *domain.GenerationResult
	Raw     string
}

type requestWire struct {
	Prompt string `json:"prompt"`
	Seed   string `json:"seed"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
	ID     int64  `json:"id"`
}

type resultWire struct {
	ID      int64  `json:"id"`
	GenTime int64  `json:"gen_time"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Image   string `json:"image"`
}

// inbound accepts both JSON shapes. Numbers are decoded as float64 since
// some backends emit fractional milliseconds.
type inbound struct {
	Prompt  *string   `json:"prompt"`
	Seed    seedValue `json:"seed"`
	Height  int       `json:"height"`
	Width   int       `json:"width"`
	ID      *float64  `json:"id"`
	GenTime *float64  `json:"gen_time"`
	Start   float64   `json:"start"`
	End     float64   `json:"end"`
	Image   *string   `json:"image"`
}

// seedValue accepts a seed sent either as a string or a number.
type seedValue string

func (s *seedValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = seedValue(str)
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	*s = seedValue(n.String())
	return nil
}

// Decode classifies raw. Unrecognized or malformed input yields an
// Envelope of KindUnknown and a *domain.MessageParseError.
func Decode(raw string) (Envelope, error) {
	env := Envelope{Kind: KindUnknown, Raw: raw}

	if strings.HasPrefix(raw, "{") {
		return decodeJSON(env)
	}

	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return env, &domain.MessageParseError{Raw: raw, Err: domain.ErrUnrecognizedMessage}
	}

	switch Kind(fields[0]) {
	case KindPing:
		if len(fields) != 2 {
			return env, &domain.MessageParseError{Raw: raw, Err: fmt.Errorf("ping wants 1 field, got %d", len(fields)-1)}
		}
		sentAt, err := parseMillis(fields[1])
		if err != nil {
			return env, &domain.MessageParseError{Raw: raw, Err: err}
		}
		env.Kind = KindPing
		env.Ping = &Ping{SentAt: sentAt}
		return env, nil

	case KindPong:
		if len(fields) != 3 {
			return env, &domain.MessageParseError{Raw: raw, Err: fmt.Errorf("pong wants 2 fields, got %d", len(fields)-1)}
		}
		echoed, err := parseMillis(fields[1])
		if err != nil {
			return env, &domain.MessageParseError{Raw: raw, Err: err}
		}
		serverAt, err := parseMillis(fields[2])
		if err != nil {
			return env, &domain.MessageParseError{Raw: raw, Err: err}
		}
		env.Kind = KindPong
		env.Pong = &Pong{Echoed: echoed, ServerAt: serverAt}
		return env, nil
	}

	return env, &domain.MessageParseError{Raw: raw, Err: domain.ErrUnrecognizedMessage}
}

func decodeJSON(env Envelope) (Envelope, error) {
	var msg inbound
	if err := json.Unmarshal([]byte(env.Raw), &msg); err != nil {
		return env, &domain.MessageParseError{Raw: env.Raw, Err: err}
	}

	switch {
	case msg.Prompt != nil:
		var id int64
		if msg.ID != nil {
			id = roundMillis(*msg.ID)
		}
		req := domain.NewPromptRequest(domain.PromptCandidate{
			Text:   *msg.Prompt,
			Seed:   string(msg.Seed),
			Height: msg.Height,
			Width:  msg.Width,
		}, domain.SubmissionID(id))
		env.Kind = KindRequest
		env.Request = &req
		return env, nil

	case msg.ID != nil && (msg.Image != nil || msg.GenTime != nil):
		res := domain.GenerationResult{
			SubmissionID:    domain.SubmissionID(roundMillis(*msg.ID)),
			ServerStartTime: roundMillis(msg.Start),
			ServerEndTime:   roundMillis(msg.End),
		}
		if msg.GenTime != nil {
			res.ServerGenerationDurationMs = roundMillis(*msg.GenTime)
		}
		if msg.Image != nil {
			res.ArtifactPayload = *msg.Image
		}
		env.Kind = KindResult
		env.Result = &res
		return env, nil
	}

	return env, &domain.MessageParseError{Raw: env.Raw, Err: domain.ErrUnrecognizedMessage}
}

func EncodePing(sentAt int64) string {
	return fmt.Sprintf("%s %d", KindPing, sentAt)
}

func EncodePong(echoed, serverAt int64) string {
	return fmt.Sprintf("%s %d %d", KindPong, echoed, serverAt)
}

func EncodeRequest(req domain.PromptRequest) (string, error) {
	data, err := json.Marshal(requestWire{
		Prompt: req.Text,
		Seed:   req.Seed,
		Height: req.Height,
		Width:  req.Width,
		ID:     int64(req.SubmissionID),
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	return string(data), nil
}

func EncodeResult(res domain.GenerationResult) (string, error) {
	data, err := json.Marshal(resultWire{
		ID:      int64(res.SubmissionID),
		GenTime: res.ServerGenerationDurationMs,
		Start:   res.ServerStartTime,
		End:     res.ServerEndTime,
		Image:   res.ArtifactPayload,
	})
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

func parseMillis(s string) (int64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp %q: %w", s, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("timestamp %q is not finite", s)
	}
	return roundMillis(v), nil
}

func roundMillis(v float64) int64 {
	return int64(math.Round(v))
}
