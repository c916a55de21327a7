// Package generator предоставляет клиент для размещённых функций генерации учебных материалов.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotConfigured возвращается, если адрес сервиса функций не задан.
	ErrNotConfigured = errors.New("generator client not configured")
	// ErrRateLimited возвращается, если сервис функций ответил 429.
	ErrRateLimited = errors.New("generator rate limited")
	// ErrUnavailable возвращается при любом другом неуспешном ответе.
	ErrUnavailable = errors.New("generator unavailable")
)

// Function задаёт имя размещённой функции.
type Function string

const (
	FunctionScan       Function = "ocr-scan"
	FunctionQuiz       Function = "generate-quiz"
	FunctionFlashcards Function = "generate-flashcards"
	FunctionNote       Function = "generate-note"
	FunctionChat       Function = "study-chat"
)

// Request описывает тело вызова функции. Image передаётся в base64.
type Request struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// Response описывает ответ функции.
type Response struct {
	Result string `json:"result"`
}

// StatusError описывает неуспешный HTTP-ответ сервиса функций.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return ErrUnavailable
}

// Client инкапсулирует HTTP-взаимодействие с сервисом функций.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт клиент сервиса функций по указанному адресу.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Invoke вызывает функцию fn и возвращает результат генерации.
func (c *Client) Invoke(ctx context.Context, fn Function, in Request) (*Response, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/functions/v1/%s", base, fn)

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{Code: resp.StatusCode}
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				statusErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, statusErr
	}

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w: %w", ErrUnavailable, err)
	}
	if strings.TrimSpace(result.Result) == "" {
		return nil, fmt.Errorf("empty result: %w", ErrUnavailable)
	}

	return &result, nil
}
