package ai

// Conversational agent event types.
const (
	eventInitiationMetadata = "conversation_initiation_metadata"
	eventAudio              = "audio"
	eventInterruption       = "interruption"
	eventUserTranscript     = "user_transcript"
	eventAgentResponse      = "agent_response"
	eventAgentCorrection    = "agent_response_correction"
	eventTentativeResponse  = "internal_tentative_agent_response"
	eventPing               = "ping"
	eventError              = "error"
	eventClientData         = "conversation_initiation_client_data"
	eventPong               = "pong"
)

type inboundEvent struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
		UserInputFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Audio *struct {
		Audio   string `json:"audio_base_64"`
		EventID int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`

	Interruption *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event,omitempty"`

	UserTranscript *struct {
		Text string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponse *struct {
		Text string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	AgentCorrection *struct {
		Original  string `json:"original_agent_response"`
		Corrected string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event,omitempty"`

	Tentative *struct {
		Text string `json:"tentative_agent_response"`
	} `json:"tentative_agent_response_internal_event,omitempty"`

	Ping *struct {
		EventID int64 `json:"event_id"`
		PingMs  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	ErrorEvent *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error_event,omitempty"`
	Message string `json:"message,omitempty"`
}

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongEvent struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

type clientData struct {
	Type             string            `json:"type"`
	ConfigOverride   *configOverride   `json:"conversation_config_override,omitempty"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

type configOverride struct {
	Agent *agentOverride `json:"agent,omitempty"`
	TTS   *ttsOverride   `json:"tts,omitempty"`
}

type agentOverride struct {
	FirstMessage string `json:"first_message,omitempty"`
	Language     string `json:"language,omitempty"`
}

type ttsOverride struct {
	VoiceID string `json:"voice_id,omitempty"`
}
