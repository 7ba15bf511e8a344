// internal/push/apns.go
package push

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
)

const passUpdatePriority = 5

// APNsConfig selects the client certificate and gateway. The topic is the pass type id.
type APNsConfig struct {
	CertPath   string
	KeyPath    string
	P12Path    string
	Passphrase string
	Topic      string
	Production bool
}

// APNsSender pushes wallet pass updates over one shared HTTP/2 connection.
type APNsSender struct {
	client *apns2.Client
	topic  string
}

// NewAPNsSender loads the client certificate and prepares a lazily connected client.
func NewAPNsSender(cfg APNsConfig) (*APNsSender, error) {
	if cfg.Topic == "" {
		return nil, errors.New("apns topic is empty")
	}
	cert, err := loadClientCertificate(cfg)
	if err != nil {
		return nil, err
	}

	client := apns2.NewClient(cert)
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return NewAPNsSenderWithClient(client, cfg.Topic), nil
}

// NewAPNsSenderWithClient wraps an existing client, e.g. one pointed at a local gateway.
func NewAPNsSenderWithClient(client *apns2.Client, topic string) *APNsSender {
	return &APNsSender{client: client, topic: topic}
}

func loadClientCertificate(cfg APNsConfig) (tls.Certificate, error) {
	if cfg.P12Path != "" {
		cert, err := certificate.FromP12File(cfg.P12Path, cfg.Passphrase)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("load apns p12: %w", err)
		}
		return cert, nil
	}
	if cfg.CertPath == "" {
		return tls.Certificate{}, errors.New("apns certificate path is empty")
	}

	bundle, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read apns certificate: %w", err)
	}
	if cfg.KeyPath != "" && cfg.KeyPath != cfg.CertPath {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("read apns key: %w", err)
		}
		bundle = append(append(bundle, '\n'), key...)
	}

	cert, err := certificate.FromPemBytes(bundle, cfg.Passphrase)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load apns certificate: %w", err)
	}
	return cert, nil
}

// Send posts an empty background notification; Wallet then asks the web service
// which passes changed.
func (s *APNsSender) Send(ctx context.Context, token string) error {
	n := &apns2.Notification{
		DeviceToken: token,
		Topic:       s.topic,
		Payload:     []byte("{}"),
		PushType:    apns2.PushTypeBackground,
		Priority:    passUpdatePriority,
	}

	res, err := s.client.PushWithContext(ctx, n)
	if err != nil {
		return fmt.Errorf("apns push: %w", err)
	}
	if res.Sent() {
		return nil
	}
	return &RejectedError{
		StatusCode: res.StatusCode,
		Reason:     res.Reason,
		stale:      isStale(res),
	}
}

func isStale(res *apns2.Response) bool {
	if res.StatusCode == http.StatusGone {
		return true
	}
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return true
	}
	return false
}
