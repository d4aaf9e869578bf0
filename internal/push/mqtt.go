package push

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/govee"
)

var errTimeout = errors.New("timed out waiting for broker")

// amazonRootCA1 signs the AWS IoT server certificates
const amazonRootCA1 = `-----BEGIN CERTIFICATE-----
MIIDQTCCAimgAwIBAgITBmyfz5m/jAo54vB4ikPmljZbyjANBgkqhkiG9w0BAQsF
ADA5MQswCQYDVQQGEwJVUzEPMA0GA1UEChMGQW1hem9uMRkwFwYDVQQDExBBbWF6
b24gUm9vdCBDQSAxMB4XDTE1MDUyNjAwMDAwMFoXDTM4MDExNzAwMDAwMFowOTEL
MAkGA1UEBhMCVVMxDzANBgNVBAoTBkFtYXpvbjEZMBcGA1UEAxMQQW1hem9uIFJv
b3QgQ0EgMTCCASIwDQYJKoZIhvcNAQEBBQADggEPADCCAQoCggEBALJ4gHHKeNXj
ca9HgFB0fW7Y14h29Jlo91ghYPl0hAEvrAIthtOgQ3pOsqTQNroBvo3bSMgHFzZM
9O6II8c+6zf1tRn4SWiw3te5djgdYZ6k/oI2peVKVuRF4fn9tBb6dNqcmzU5L/qw
IFAGbHrQgLKm+a/sRxmPUDgH3KKHOVj4utWp+UhnMJbulHheb4mjUcAwhmahRWa6
VOujw5H5SNz/0egwLX0tdHA114gk957EWW67c4cX8jJGKLhD+rcdqsq08p8kDi1L
93FcXmn/6pUCyziKrlA4b9v7LWIbxcceVOF34GfID5yHI9Y/QCB/IIDEgEw+OyQm
jgSubJrIqg0CAwEAAaNCMEAwDwYDVR0TAQH/BAUwAwEB/zAOBgNVHQ8BAf8EBAMC
AYYwHQYDVR0OBBYEFIQYzIU07LwMlJQuCFmcx7IQTgoIMA0GCSqGSIb3DQEBCwUA
A4IBAQCY8jdaQZChGsV2USggNiMOruYou6r4lK5IpDB/G/wkjUu0yKGX9rbxenDI
U5PMCCjjmCXPI6T53iHTfIUJrU6adTrCC2qJeHZERxhlbI1Bjjt/msv0tadQ1wUs
N+gDS63pYaACbvXy8MWy7Vu33PqUXHeeE6V/Uq2V8viTO96LXFvKWlJbYK8U90vv
o/ufQJVtMVT8QtPHRh8jrdkPSHCa2XV4cdFyQzR1bldZwgJcJmApzyMZFo6IQ6XU
5MsI+yMRQ+hDKXJioaldXgjUkK642M4UwtBV8ob2xJNDd2ZhwLnoQdeXeGADbkpy
rqXRfboQnoZsG4q5WTP468SQvvG5
-----END CERTIFICATE-----`

// NewMQTTDialer dials the AWS IoT broker with the account's client certificate.
// fallbackEndpoint is used when the credentials carry no endpoint.
func NewMQTTDialer(logger *log.Logger, fallbackEndpoint string) Dialer {
	return func(ctx context.Context, creds *govee.IotCredentials, onLost func(err error)) (Conn, error) {
		endpoint := creds.Endpoint
		if endpoint == "" {
			endpoint = fallbackEndpoint
		}
		host, port := splitEndpoint(endpoint)

		tlsConfig, err := buildTLSConfig(creds, host)
		if err != nil {
			return nil, err
		}

		opts := pahomqtt.NewClientOptions()
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", host, port))
		opts.SetClientID(creds.ClientID)
		opts.SetCleanSession(true)
		opts.SetTLSConfig(tlsConfig)
		opts.SetKeepAlive(constants.IotKeepAlive)
		opts.SetConnectTimeout(constants.IotConnectTimeout)
		// reconnection is driven by the channel so every attempt is observed
		opts.SetAutoReconnect(false)
		opts.SetConnectRetry(false)
		opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("push broker connection lost", "err", err)
			onLost(err)
		})

		client := pahomqtt.NewClient(opts)
		logger.Debug("connecting to push broker", "host", host, "port", port)
		if err := wait(ctx, client.Connect(), constants.IotConnectTimeout); err != nil {
			return nil, fmt.Errorf("mqtt connect: %w", err)
		}
		return &pahoConn{client: client}, nil
	}
}

func splitEndpoint(endpoint string) (string, int) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, constants.IotPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, constants.IotPort
	}
	return host, port
}

func buildTLSConfig(creds *govee.IotCredentials, serverName string) (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(creds.CertPEM), []byte(creds.KeyPEM))
	if err != nil {
		return nil, fmt.Errorf("invalid push client certificate: %w", err)
	}

	roots := x509.NewCertPool()
	roots.AppendCertsFromPEM([]byte(amazonRootCA1))
	if creds.CAPEM != "" {
		roots.AppendCertsFromPEM([]byte(creds.CAPEM))
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

type pahoConn struct {
	client pahomqtt.Client
}

func (p *pahoConn) Subscribe(topic string, handler func(payload []byte)) error {
	token := p.client.Subscribe(topic, 0, func(_ pahomqtt.Client, m pahomqtt.Message) {
		handler(m.Payload())
	})
	return wait(context.Background(), token, constants.IotPublishTimeout)
}

func (p *pahoConn) Unsubscribe(topic string) error {
	return wait(context.Background(), p.client.Unsubscribe(topic), constants.IotPublishTimeout)
}

func (p *pahoConn) Publish(ctx context.Context, topic string, payload []byte) error {
	return wait(ctx, p.client.Publish(topic, 0, false, payload), constants.IotPublishTimeout)
}

func (p *pahoConn) Disconnect() {
	p.client.Disconnect(constants.IotDisconnectQuiesce)
}

func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTimeout
	}
}
