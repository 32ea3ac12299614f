package messaging

import (
	"strings"

	"github.com/wolfman30/autoreply/pkg/logging"
)

// ProviderSelectionConfig captures what is needed to build the outbound gateway.
type ProviderSelectionConfig struct {
	Env           string
	LineBaseURL   string
	ChannelTokens string
}

// BuildGateway returns the LINE gateway when channel tokens are configured.
// Outside production a missing token map yields a RecordingGateway so the engine
// can run locally; in production it returns nil and the reason.
func BuildGateway(cfg ProviderSelectionConfig, logger *logging.Logger) (Gateway, string) {
	if logger == nil {
		logger = logging.Default()
	}
	tokens, err := ParseStaticTokens(cfg.ChannelTokens)
	if err != nil {
		return nil, err.Error()
	}
	if len(tokens) > 0 {
		return NewLineGateway(cfg.LineBaseURL, tokens, logger), ""
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Env), "production") {
		return nil, "LINE_CHANNEL_TOKENS_JSON missing"
	}
	logger.Warn("no LINE channel tokens configured; outbound messages are recorded in memory only")
	return NewRecordingGateway(), ""
}
