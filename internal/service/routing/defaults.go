package routing

import "github.com/zhouzirui/callbridge/internal/model/message"

// DefaultRoutes is the process-wide rule table a bridge starts with.
func DefaultRoutes() []Route {
	return []Route{
		{
			ID:          "caller-audio-to-agent",
			Source:      message.RoleTelephony,
			Destination: message.RoleAI,
			Kind:        message.KindAudio,
			Priority:    100,
			Description: "caller audio feeds the conversational agent",
		},
		{
			ID:          "agent-audio-to-caller",
			Source:      message.RoleAI,
			Destination: message.RoleTelephony,
			Kind:        message.KindAudio,
			Priority:    100,
			Description: "agent speech plays to the caller",
		},
		{
			ID:          "agent-interruption-to-caller",
			Source:      message.RoleAI,
			Destination: message.RoleTelephony,
			Kind:        message.KindInterruption,
			Priority:    100,
			Description: "barge-in flushes queued agent speech",
		},
		{
			ID:          "agent-clear-to-caller",
			Source:      message.RoleAI,
			Destination: message.RoleTelephony,
			Kind:        message.KindClear,
			Priority:    100,
		},
		{
			ID:          "operator-audio-to-caller",
			Source:      message.RoleHuman,
			Destination: message.RoleTelephony,
			Kind:        message.KindAudio,
			Priority:    90,
			Description: "operator speech plays to the caller",
		},
		{
			ID:          "operator-clear-to-caller",
			Source:      message.RoleHuman,
			Destination: message.RoleTelephony,
			Kind:        message.KindClear,
			Priority:    90,
		},
	}
}
