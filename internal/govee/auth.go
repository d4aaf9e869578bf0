package govee

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/env"
	gerrors "github.com/wheelibin/goveed/internal/errors"
	"golang.org/x/crypto/pkcs12"
)

// IotCredentials are the account credentials for the push channel
type IotCredentials struct {
	Token        string
	RefreshToken string
	AccountID    string
	AccountTopic string
	CertPEM      string
	KeyPEM       string
	CAPEM        string
	ClientID     string
	Endpoint     string
}

func (c *IotCredentials) Valid() bool {
	return c.Token != "" && c.CertPEM != "" && c.KeyPEM != "" && c.AccountTopic != ""
}

type loginResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Client  struct {
		Token         string          `json:"token"`
		RefreshToken  string          `json:"refreshToken"`
		AccountID     json.RawMessage `json:"accountId"`
		Topic         string          `json:"topic"`
		CACertificate string          `json:"caCertificate"`
	} `json:"client"`
}

type iotKeyResponse struct {
	Message string `json:"message"`
	Data    struct {
		Endpoint       string `json:"endpoint"`
		CertificatePem string `json:"certificatePem"`
		PrivateKey     string `json:"privateKey"`
		P12            string `json:"p12"`
		P12Pass        string `json:"p12Pass"`
		P12PassAlt     string `json:"p12_pass"`
	} `json:"data"`
}

type accountDevicesResponse struct {
	Message string `json:"message"`
	Devices []struct {
		Device    string          `json:"device"`
		DeviceExt json.RawMessage `json:"deviceExt"`
	} `json:"devices"`
}

// AccountService talks to the account api that issues push channel credentials
type AccountService struct {
	logger   *log.Logger
	client   *http.Client
	baseURL  string
	email    string
	password string
}

func NewAccountService(e *env.Env, client *http.Client, baseURL string) *AccountService {
	if client == nil {
		client = &http.Client{Timeout: constants.APIRequestTimeout}
	}
	if baseURL == "" {
		baseURL = constants.AccountBaseURL
	}
	return &AccountService{
		logger:   e.Logger,
		client:   client,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		email:    e.Config.Push.Email,
		password: e.Config.Push.Password,
	}
}

// Login exchanges the account email and password for push channel credentials
func (s *AccountService) Login(ctx context.Context) (*IotCredentials, error) {
	clientUUID := strings.ReplaceAll(uuid.NewString(), "-", "")
	body := map[string]string{
		"email":      s.email,
		"password":   s.password,
		"client":     clientUUID,
		"clientType": constants.ClientTypeApp,
	}

	s.logger.Debug("logging in to govee account", "email", s.email)
	status, data, err := s.call(ctx, http.MethodPost, constants.EndpointLogin, "", body)
	if err != nil {
		return nil, err
	}

	resp := loginResponse{}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("error parsing login response: %w", err)
	}
	if status == http.StatusUnauthorized {
		return nil, &gerrors.AuthError{Message: "invalid email or password"}
	}
	if status != http.StatusOK || resp.Status != http.StatusOK {
		s.logger.Warn("govee login failed", "status", status, "response", redactJSON(data))
		if resp.Status == http.StatusUnauthorized || strings.Contains(strings.ToLower(resp.Message), "password") {
			return nil, &gerrors.AuthError{Message: resp.Message}
		}
		return nil, &gerrors.APIError{StatusCode: status, Code: resp.Status, Message: "login failed: " + resp.Message}
	}
	if resp.Client.Token == "" {
		return nil, &gerrors.APIError{StatusCode: status, Message: "no token in login response"}
	}

	creds, err := s.iotKey(ctx, resp.Client.Token)
	if err != nil {
		return nil, err
	}

	accountID := strings.Trim(string(resp.Client.AccountID), `"`)
	creds.Token = resp.Client.Token
	creds.RefreshToken = resp.Client.RefreshToken
	creds.AccountID = accountID
	creds.AccountTopic = resp.Client.Topic
	creds.CAPEM = resp.Client.CACertificate
	creds.ClientID = clientUUID
	if accountID != "" {
		creds.ClientID = fmt.Sprintf("AP/%s/%s", accountID, clientUUID)
	}

	if !creds.Valid() {
		return nil, &gerrors.APIError{StatusCode: status, Message: "missing iot credentials in response"}
	}
	s.logger.Info("authenticated with govee account")
	return creds, nil
}

func (s *AccountService) iotKey(ctx context.Context, token string) (*IotCredentials, error) {
	status, data, err := s.call(ctx, http.MethodGet, constants.EndpointIotKey, token, nil)
	if err != nil {
		return nil, err
	}
	resp := iotKeyResponse{}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("error parsing iot key response: %w", err)
	}
	if status != http.StatusOK {
		s.logger.Warn("govee iot key request failed", "status", status, "response", redactJSON(data))
		return nil, &gerrors.APIError{StatusCode: status, Message: "failed to get iot key: " + resp.Message}
	}

	creds := &IotCredentials{
		Endpoint: resp.Data.Endpoint,
		CertPEM:  resp.Data.CertificatePem,
		KeyPEM:   resp.Data.PrivateKey,
	}
	if creds.Endpoint == "" {
		creds.Endpoint = constants.IotEndpoint
	}
	if creds.CertPEM == "" || creds.KeyPEM == "" {
		password := resp.Data.P12Pass
		if password == "" {
			password = resp.Data.P12PassAlt
		}
		creds.CertPEM, creds.KeyPEM, err = ExtractP12(resp.Data.P12, password)
		if err != nil {
			return nil, err
		}
	}
	return creds, nil
}

// DeviceTopics returns the per device topics used for outbound push commands
func (s *AccountService) DeviceTopics(ctx context.Context, token string) (map[string]string, error) {
	status, data, err := s.call(ctx, http.MethodPost, constants.EndpointAccountDevices, token, map[string]any{})
	if err != nil {
		return nil, err
	}
	resp := accountDevicesResponse{}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("error parsing account device list: %w", err)
	}
	if status != http.StatusOK {
		return nil, &gerrors.APIError{StatusCode: status, Message: "failed to get device list: " + resp.Message}
	}

	topics := map[string]string{}
	for _, d := range resp.Devices {
		if d.Device == "" {
			continue
		}
		ext := map[string]json.RawMessage{}
		if err := unmarshalMaybeString(d.DeviceExt, &ext); err != nil {
			continue
		}
		settings := struct {
			Topic string `json:"topic"`
		}{}
		if err := unmarshalMaybeString(ext["deviceSettings"], &settings); err != nil || settings.Topic == "" {
			// groups are virtual and never have a topic
			s.logger.Debug("device has no push topic", "device", d.Device)
			continue
		}
		topics[d.Device] = settings.Topic
	}
	s.logger.Info("fetched push topics", "devices", len(topics))
	return topics, nil
}

func (s *AccountService) call(ctx context.Context, verb string, path string, token string, body any) (int, []byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, verb, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("appVersion", constants.AppVersion)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, &gerrors.ConnectionError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &gerrors.ConnectionError{Op: path, Err: err}
	}
	return resp.StatusCode, data, nil
}

// ExtractP12 converts a base64 PKCS#12 container into PEM certificate and key
func ExtractP12(p12Base64 string, password string) (string, string, error) {
	if p12Base64 == "" {
		return "", "", &gerrors.APIError{Message: "no certificate data in iot key response"}
	}

	cleaned := strings.NewReplacer("\n", "", "\r", "", " ", "", "-", "+", "_", "/").Replace(strings.TrimSpace(p12Base64))
	if pad := len(cleaned) % 4; pad != 0 {
		cleaned += strings.Repeat("=", 4-pad)
	}
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return "", "", fmt.Errorf("base64 decode of p12 failed: %w", err)
	}

	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return "", "", fmt.Errorf("p12 container parse failed: %w", err)
	}

	var keyPEM []byte
	var certs [][]byte
	for _, b := range blocks {
		encoded := pem.EncodeToMemory(&pem.Block{Type: b.Type, Bytes: b.Bytes})
		switch b.Type {
		case "PRIVATE KEY":
			keyPEM = encoded
		case "CERTIFICATE":
			certs = append(certs, encoded)
		}
	}
	if keyPEM == nil {
		return "", "", errors.New("no private key found in p12 container")
	}

	// the container may carry the chain as well, pick the certificate matching the key
	for _, cert := range certs {
		if _, err := tls.X509KeyPair(cert, keyPEM); err == nil {
			return string(cert), string(keyPEM), nil
		}
	}
	return "", "", errors.New("no certificate matching the private key found in p12 container")
}

func unmarshalMaybeString(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("empty")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		raw = json.RawMessage(s)
	}
	return json.Unmarshal(raw, v)
}

var sensitiveFields = map[string]bool{
	"token": true, "refreshToken": true, "password": true, "p12": true, "p12Pass": true,
	"p12_pass": true, "privateKey": true, "certificatePem": true, "caCertificate": true,
}

// redactJSON returns a loggable copy of an account api response
func redactJSON(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Sprintf("[%d bytes]", len(data))
	}
	return redact(v)
}

func redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveFields[k] {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = redact(val)
		}
		return out
	case string:
		if len(t) > 100 {
			return fmt.Sprintf("%s...[truncated, %d chars]", t[:50], len(t))
		}
	}
	return v
}
