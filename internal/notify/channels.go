package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hamed0406/safealert/internal/domain"
	"github.com/hamed0406/safealert/internal/vault"
)

// Channel delivers one alert to one recipient identifier.
type Channel interface {
	Kind() domain.ChannelKind
	Deliver(ctx context.Context, to vault.Identifier, a domain.AlertEvent) error
}

func postForm(ctx context.Context, c *http.Client, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Permanent("bad endpoint")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(c, req)
}

// SMS posts each 160-character part of the alert text to an SMS gateway
// (form fields to, message, part, parts).
type SMS struct {
	GatewayURL string
	Client     *http.Client
}

func (s *SMS) Kind() domain.ChannelKind { return domain.ChannelSMS }

func (s *SMS) Deliver(ctx context.Context, to vault.Identifier, a domain.AlertEvent) error {
	if to.IsZero() {
		return Permanent("empty phone number")
	}
	parts := SplitSMS(FormatAlert(a), SMSPartLen)
	for i, p := range parts {
		form := url.Values{
			"to":      {to.Reveal()},
			"message": {p},
			"part":    {strconv.Itoa(i + 1)},
			"parts":   {strconv.Itoa(len(parts))},
		}
		if err := postForm(ctx, s.Client, s.GatewayURL, form); err != nil {
			return fmt.Errorf("sms part %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}

// API posts the alert to the safety backend's send_alert endpoint. The
// identifier is the recipient's account on that backend.
type API struct {
	Endpoint string
	UserID   string
	Client   *http.Client
}

func (c *API) Kind() domain.ChannelKind { return domain.ChannelAPI }

func (c *API) Deliver(ctx context.Context, to vault.Identifier, a domain.AlertEvent) error {
	form := url.Values{
		"user_id":   {c.UserID},
		"recipient": {to.Reveal()},
		"alert_id":  {a.ID},
		"type":      {string(a.Cause)},
		"status":    {"active"},
		"message":   {FormatAlert(a)},
	}
	if a.Sample.HasPosition() {
		form.Set("latitude", strconv.FormatFloat(a.Sample.Lat, 'f', 6, 64))
		form.Set("longitude", strconv.FormatFloat(a.Sample.Lng, 'f', 6, 64))
	}
	return postForm(ctx, c.Client, c.Endpoint, form)
}

// Push sends a JSON message to a push gateway for one device token.
type Push struct {
	GatewayURL string
	Client     *http.Client
}

type pushPayload struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

func (p *Push) Kind() domain.ChannelKind { return domain.ChannelPush }

func (p *Push) Deliver(ctx context.Context, to vault.Identifier, a domain.AlertEvent) error {
	if to.IsZero() {
		return Permanent("empty device token")
	}
	body, err := json.Marshal(pushPayload{
		Token: to.Reveal(),
		Title: "EMERGENCY",
		Body:  FormatAlert(a),
		Data: map[string]string{
			"alert_id": a.ID,
			"cause":    string(a.Cause),
			"lat":      strconv.FormatFloat(a.Sample.Lat, 'f', 6, 64),
			"lng":      strconv.FormatFloat(a.Sample.Lng, 'f', 6, 64),
		},
	})
	if err != nil {
		return Permanent("encode push payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return Permanent("bad endpoint")
	}
	req.Header.Set("Content-Type", "application/json")
	return do(p.Client, req)
}
