// Package batchwriter posts buffered message batches to the persistence API.
package batchwriter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/buffer"
	"github.com/MarcoPoloResearchLab/signalhub/internal/channelkey"
	"go.uber.org/zap"
)

const (
	HeaderServiceName = "X-Service-Name"
	HeaderBatchSize   = "X-Batch-Size"
	HeaderServerID    = "X-Server-Id"
	HeaderChannelID   = "X-Channel-Id"

	defaultServiceName = "signalhub"
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 512
)

var (
	errMissingEndpoint = errors.New("batchwriter: endpoint url is required")

	// ErrUnexpectedStatus indicates a non-2xx response from the persistence API.
	ErrUnexpectedStatus = errors.New("batchwriter: unexpected status")
)

// ClientConfig describes the persistence API endpoint.
type ClientConfig struct {
	EndpointURL  string
	ServiceName  string
	ServiceToken string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client implements buffer.BatchWriter over HTTP.
type Client struct {
	endpointURL  string
	serviceName  string
	serviceToken string
	httpClient   *http.Client
	logger       *zap.Logger
}

type batchRequestPayload struct {
	Messages []messagePayload `json:"messages"`
}

type messagePayload struct {
	ID          string    `json:"id"`
	ServerID    int64     `json:"serverId"`
	ChannelID   int64     `json:"channelId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.EndpointURL)
	if endpoint == "" {
		return nil, errMissingEndpoint
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpointURL:  endpoint,
		serviceName:  serviceName,
		serviceToken: strings.TrimSpace(cfg.ServiceToken),
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// WriteBatch posts the batch. Any transport error or non-2xx status is returned as an error.
func (c *Client) WriteBatch(ctx context.Context, key channelkey.Key, messages []buffer.BufferedMessage) error {
	payload := batchRequestPayload{Messages: make([]messagePayload, 0, len(messages))}
	for _, message := range messages {
		payload.Messages = append(payload.Messages, messagePayload{
			ID:          message.ID,
			ServerID:    message.ServerID,
			ChannelID:   message.ChannelID,
			UserID:      message.UserID,
			Username:    message.Username,
			Content:     message.Content,
			MessageType: message.MessageType,
			Timestamp:   message.Timestamp,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("batchwriter: encode batch: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("batchwriter: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(HeaderServiceName, c.serviceName)
	request.Header.Set(HeaderBatchSize, strconv.Itoa(len(messages)))
	request.Header.Set(HeaderServerID, strconv.FormatInt(key.ServerID, 10))
	request.Header.Set(HeaderChannelID, strconv.FormatInt(key.ChannelID, 10))
	if c.serviceToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("batchwriter: post batch: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, response.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, response.Body)

	c.logger.Debug("batch written",
		zap.String("channel_key", key.String()),
		zap.Int("messages", len(messages)))
	return nil
}
