package http

import (
	"strings"

	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/util"
)

// NewPostProcessor fills fields a response left unset from the imposter's
// default response, then from the protocol defaults: status 200,
// "Connection: close" and an empty body
func NewPostProcessor(defaultResponse *models.Response) models.PostProcessor {
	defaults := &models.Response{
		StatusCode: 200,
		Headers:    map[string]interface{}{"Connection": "close"},
		Body:       "",
	}
	if defaultResponse != nil {
		if defaultResponse.StatusCode != 0 {
			defaults.StatusCode = defaultResponse.StatusCode
		}
		for key, value := range defaultResponse.Headers {
			for existing := range defaults.Headers {
				if strings.EqualFold(existing, key) {
					delete(defaults.Headers, existing)
				}
			}
			defaults.Headers[key] = value
		}
		if defaultResponse.Body != nil {
			defaults.Body = defaultResponse.Body
		}
		defaults.Mode = defaultResponse.Mode
	}

	return func(response *models.Response, _ *models.Request) *models.Response {
		result := *response
		if result.StatusCode == 0 {
			result.StatusCode = defaults.StatusCode
		}

		headers := make(map[string]interface{}, len(response.Headers)+len(defaults.Headers))
		for key, value := range response.Headers {
			headers[key] = value
		}
		for key, value := range defaults.Headers {
			if !hasHeader(headers, key) {
				headers[key] = util.Clone(value)
			}
		}

		if result.Body == nil {
			result.Body = util.Clone(defaults.Body)
			if result.Mode == "" {
				result.Mode = defaults.Mode
			}
		}
		if _, isText := result.Body.(string); !isText && !hasHeader(headers, "Content-Type") {
			headers["Content-Type"] = "application/json"
		}
		result.Headers = headers
		return &result
	}
}
