package synth

import "github.com/loqalabs/synthstream/internal/config"

// Settings are the session parameters, local policy and options derived from
// the synthesis section of the configuration.
type Settings struct {
	Endpoint    string
	Params      Params
	Policy      Policy
	Options     []Option
	AuthInQuery bool
}

// SettingsFromConfig maps configuration onto session settings. Callers may
// override Params before building arguments.
func SettingsFromConfig(cfg config.SynthesisConfig) Settings {
	return Settings{
		Endpoint: cfg.Endpoint,
		Params: Params{
			Voice:           cfg.Voice,
			Accept:          cfg.Accept,
			Timings:         append([]string(nil), cfg.Timings...),
			CustomizationID: cfg.CustomizationID,
		},
		Policy: Policy{
			Voices:  cfg.AllowedVoices,
			Accepts: cfg.AllowedAccepts,
		},
		Options: []Option{
			WithChunkSize(cfg.ChunkSize),
			WithMaxMessageSize(cfg.MaxMessageSize),
			WithStrictFrames(cfg.StrictFrames),
		},
		AuthInQuery: cfg.AuthInQuery,
	}
}
