package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// PushNotifier posts a silent wake payload to a push-provider HTTP
// endpoint so backgrounded clients still learn about incoming offers.
// Errors are returned for logging only; delivery is never retried here.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) Notify(target, event string, payload any) error {
	body := map[string]any{
		"to":    target,
		"event": event,
		"data":  payload,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
