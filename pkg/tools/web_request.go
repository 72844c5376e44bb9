package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/strandworks/strand/internal/httpclient"
	"github.com/strandworks/strand/pkg/policy"
)

// WebRequestConfig restricts the web_request tool.
type WebRequestConfig struct {
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	MaxRequestSize  int64         `yaml:"max_request_size" json:"max_request_size"`
	MaxResponseSize int64         `yaml:"max_response_size" json:"max_response_size"`
	AllowedDomains  []string      `yaml:"allowed_domains" json:"allowed_domains"`
	DeniedDomains   []string      `yaml:"denied_domains" json:"denied_domains"`
	AllowedMethods  []string      `yaml:"allowed_methods" json:"allowed_methods"`
	UserAgent       string        `yaml:"user_agent" json:"user_agent"`
}

// SetDefaults fills unset fields.
func (c *WebRequestConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = 1 << 20
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = 5 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "strand/1.0"
	}
}

// WebRequestTool makes HTTP requests to external services.
type WebRequestTool struct {
	config     WebRequestConfig
	httpClient *httpclient.Client
}

type webRequestParams struct {
	URL     string            `json:"url" jsonschema:"required,description=The URL to request"`
	Method  string            `json:"method,omitempty" jsonschema:"description=HTTP method (default GET),enum=GET,enum=POST,enum=PUT,enum=DELETE,enum=PATCH,enum=HEAD"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"description=HTTP headers as key-value pairs"`
	Body    string            `json:"body,omitempty" jsonschema:"description=Request body for POST/PUT/PATCH"`
}

func NewWebRequestTool(cfg *WebRequestConfig) *WebRequestTool {
	config := WebRequestConfig{}
	if cfg != nil {
		config = *cfg
	}
	config.SetDefaults()

	return &WebRequestTool{
		config: config,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
			httpclient.WithMaxRetries(config.MaxRetries),
		),
	}
}

func (t *WebRequestTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "web_request",
		Description: "Make an HTTP request to an external API or web service",
		Parameters:  schemaFor[webRequestParams](),
		RiskLevel:   policy.RiskMedium,
		SkillIDs:    []string{"web"},
	}
}

func (t *WebRequestTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()
	params, err := decodeArgs[webRequestParams](args)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err), start), nil
	}
	if params.URL == "" {
		return errorResult("url parameter is required", start), nil
	}

	parsedURL, err := url.Parse(params.URL)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid URL: %v", err), start), nil
	}
	if err := t.validateDomain(parsedURL.Host); err != nil {
		return errorResult(err.Error(), start), nil
	}

	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}
	if err := t.validateMethod(method); err != nil {
		return errorResult(err.Error(), start), nil
	}

	var body io.Reader
	if params.Body != "" {
		if int64(len(params.Body)) > t.config.MaxRequestSize {
			return errorResult(fmt.Sprintf("request body too large: %d bytes (max %d)",
				len(params.Body), t.config.MaxRequestSize), start), nil
		}
		body = strings.NewReader(params.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, params.URL, body)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to create request: %v", err), start), nil
	}
	req.Header.Set("User-Agent", t.config.UserAgent)
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return errorResult(fmt.Sprintf("request failed: %v", err), start), nil
	}
	defer resp.Body.Close()

	limitedReader := io.LimitReader(resp.Body, t.config.MaxResponseSize+1)
	responseBody, err := io.ReadAll(limitedReader)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read response: %v", err), start), nil
	}
	if int64(len(responseBody)) > t.config.MaxResponseSize {
		return errorResult(fmt.Sprintf("response too large: exceeds %d bytes", t.config.MaxResponseSize), start), nil
	}

	return Result{
		Content:  string(responseBody),
		IsError:  resp.StatusCode >= 400,
		Duration: time.Since(start),
		Metadata: map[string]any{
			"url":          params.URL,
			"method":       method,
			"status_code":  resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
			"size":         len(responseBody),
		},
	}, nil
}

func (t *WebRequestTool) validateDomain(host string) error {
	if len(t.config.AllowedDomains) == 0 && len(t.config.DeniedDomains) == 0 {
		return nil
	}

	// Deny rules win over allow rules.
	for _, denied := range t.config.DeniedDomains {
		if matchesDomain(host, denied) {
			return fmt.Errorf("domain not allowed: %s (matches deny rule %s)", host, denied)
		}
	}
	if len(t.config.AllowedDomains) > 0 {
		for _, allowed := range t.config.AllowedDomains {
			if matchesDomain(host, allowed) {
				return nil
			}
		}
		return fmt.Errorf("domain not allowed: %s (not in allowed list)", host)
	}
	return nil
}

func (t *WebRequestTool) validateMethod(method string) error {
	if len(t.config.AllowedMethods) == 0 {
		return nil
	}
	for _, allowed := range t.config.AllowedMethods {
		if strings.EqualFold(method, allowed) {
			return nil
		}
	}
	return fmt.Errorf("HTTP method not allowed: %s (allowed: %v)", method, t.config.AllowedMethods)
}

func matchesDomain(host, pattern string) bool {
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}
