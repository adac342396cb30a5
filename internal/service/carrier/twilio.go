// Package carrier places and ends telephony legs through the carrier's REST API.
package carrier

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/logger"
)

var (
	// ErrNotConfigured is returned when carrier credentials are missing.
	ErrNotConfigured = errors.New("carrier not configured")
	// ErrMissingNumber is returned when a call has no destination.
	ErrMissingNumber = errors.New("destination number is required")
)

// statusEvents are the progress callbacks requested for every placed call.
var statusEvents = []string{"initiated", "ringing", "answered", "completed"}

// PlaceParams describes an outbound call.
type PlaceParams struct {
	SessionID string
	To        string
	// From overrides the configured caller id.
	From string
	// Params are passed to the media stream as custom parameters.
	Params map[string]string
}

// CallPlacer places and ends carrier calls.
type CallPlacer interface {
	PlaceCall(ctx context.Context, params PlaceParams) (string, error)
	EndCall(ctx context.Context, callSID string) error
}

// callsAPI is the subset of the REST client used here.
type callsAPI interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// Options configures a Twilio placer.
type Options struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// StreamURL is the wss:// endpoint the carrier streams media to.
	StreamURL string
	// StatusCallbackURL receives call progress webhooks.
	StatusCallbackURL string
	Logger            *zap.Logger
}

// Twilio implements CallPlacer with the Twilio REST API.
type Twilio struct {
	calls     callsAPI
	validator twclient.RequestValidator
	opts      Options
	log       *zap.Logger
}

var _ CallPlacer = (*Twilio)(nil)

// NewTwilio creates a placer from credentials.
func NewTwilio(opts Options) (*Twilio, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, ErrNotConfigured
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: opts.AccountSID,
		Password: opts.AuthToken,
	})
	return newTwilio(client.Api, opts), nil
}

func newTwilio(calls callsAPI, opts Options) *Twilio {
	return &Twilio{
		calls:     calls,
		validator: twclient.NewRequestValidator(opts.AuthToken),
		opts:      opts,
		log:       logger.OrNop(opts.Logger).Named("carrier"),
	}
}

// PlaceCall dials params.To and connects the answered call to the media
// stream endpoint. It returns the carrier call sid.
func (t *Twilio) PlaceCall(ctx context.Context, params PlaceParams) (string, error) {
	if params.To == "" {
		return "", ErrMissingNumber
	}
	from := params.From
	if from == "" {
		from = t.opts.FromNumber
	}
	if from == "" {
		return "", fmt.Errorf("%w: caller id missing", ErrNotConfigured)
	}

	doc, err := StreamTwiML(t.opts.StreamURL, params.SessionID, params.Params)
	if err != nil {
		return "", err
	}

	req := &api.CreateCallParams{}
	req.SetTo(params.To)
	req.SetFrom(from)
	req.SetTwiml(doc)
	if t.opts.StatusCallbackURL != "" {
		req.SetStatusCallback(callbackURL(t.opts.StatusCallbackURL, params.SessionID))
		req.SetStatusCallbackMethod("POST")
		req.SetStatusCallbackEvent(statusEvents)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, err := t.calls.CreateCall(req)
	if err != nil {
		return "", fmt.Errorf("failed to place call: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("failed to place call: response without sid")
	}

	t.log.Info("call placed",
		zap.String("session", params.SessionID),
		zap.String("to", params.To),
		zap.String("callSid", *resp.Sid))
	return *resp.Sid, nil
}

// EndCall hangs up an in-progress call.
func (t *Twilio) EndCall(ctx context.Context, callSID string) error {
	if callSID == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	req := &api.UpdateCallParams{}
	req.SetStatus("completed")
	if _, err := t.calls.UpdateCall(callSID, req); err != nil {
		return fmt.Errorf("failed to end call %s: %w", callSID, err)
	}
	t.log.Info("call ended", zap.String("callSid", callSID))
	return nil
}

// ValidSignature checks a webhook's X-Twilio-Signature header.
func (t *Twilio) ValidSignature(endpoint string, form map[string]string, signature string) bool {
	return t.validator.Validate(endpoint, form, signature)
}

// callbackURL tags the status webhook with the session so progress events
// arriving before the call sid is stored still resolve.
func callbackURL(base, sessionID string) string {
	if sessionID == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamTwiML renders the instructions that connect a call to streamURL,
// tagging the stream with the session id.
func StreamTwiML(streamURL, sessionID string, params map[string]string) (string, error) {
	if streamURL == "" {
		return "", fmt.Errorf("%w: stream url missing", ErrNotConfigured)
	}
	stream := twimlStream{URL: streamURL}
	if sessionID != "" {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: "sessionId", Value: sessionID})
	}
	for _, name := range sortedKeys(params) {
		if name == "sessionId" {
			continue
		}
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: name, Value: params[name]})
	}

	out, err := xml.Marshal(twimlResponse{Connect: twimlConnect{Stream: stream}})
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return xml.Header + string(out), nil
}
