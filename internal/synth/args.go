package synth

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/loqalabs/synthstream/internal/protocol"
)

// Params are the high level synthesis parameters chosen by a caller.
type Params struct {
	Voice           string
	Accept          string
	Timings         []string
	CustomizationID string
	// Token, when set, is sent as the access_token query argument.
	Token string
}

// Policy restricts voices and accept formats locally. Empty lists let every
// value through for the service to validate.
type Policy struct {
	Voices  []string
	Accepts []string
}

// Args are the connection query arguments and opening control message of one
// session.
type Args struct {
	Query   map[string]string
	Opening protocol.OpeningMessage
}

// BuildArgs validates params against policy and translates them into
// session arguments. It performs no I/O.
func BuildArgs(params Params, policy Policy) (Args, error) {
	accept := strings.TrimSpace(params.Accept)
	if accept == "" {
		return Args{}, fmt.Errorf("%w: accept format is required", protocol.ErrInvalidArgument)
	}
	if len(policy.Accepts) > 0 && !containsFold(policy.Accepts, accept) {
		return Args{}, fmt.Errorf("%w: unsupported accept format %q", protocol.ErrInvalidArgument, accept)
	}
	voice := strings.TrimSpace(params.Voice)
	if voice != "" && len(policy.Voices) > 0 && !containsFold(policy.Voices, voice) {
		return Args{}, fmt.Errorf("%w: unknown voice %q", protocol.ErrInvalidArgument, voice)
	}

	var timings []string
	for _, t := range params.Timings {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != protocol.TimingWords && t != protocol.TimingMarks {
			return Args{}, fmt.Errorf("%w: unknown timing category %q", protocol.ErrInvalidArgument, t)
		}
		if !containsFold(timings, t) {
			timings = append(timings, t)
		}
	}

	query := map[string]string{}
	if voice != "" {
		query["voice"] = voice
	}
	if id := strings.TrimSpace(params.CustomizationID); id != "" {
		query["customization_id"] = id
	}
	if params.Token != "" {
		query["access_token"] = params.Token
	}

	return Args{
		Query: query,
		Opening: protocol.OpeningMessage{
			Accept:  accept,
			Voice:   voice,
			Timings: timings,
		},
	}, nil
}

// WithQuery returns a copy of a with one more query argument.
func (a Args) WithQuery(key, value string) Args {
	query := make(map[string]string, len(a.Query)+1)
	for k, v := range a.Query {
		query[k] = v
	}
	query[key] = value
	a.Query = query
	return a
}

// URL joins the endpoint with the query arguments, rewriting http(s)
// schemes to ws(s).
func (a Args) URL(endpoint string) (string, error) {
	base := strings.TrimSpace(endpoint)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: invalid endpoint: %v", protocol.ErrInvalidArgument, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: endpoint scheme %q is not a websocket scheme", protocol.ErrInvalidArgument, u.Scheme)
	}
	query := u.Query()
	for k, v := range a.Query {
		query.Set(k, v)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
