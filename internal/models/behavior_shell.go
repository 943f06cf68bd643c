package models

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mountebank-testing/imposters/internal/util"
)

// shellTransform pipes the response through each command in turn. Commands
// receive the request and response JSON as their last two arguments, and in
// MB_REQUEST and MB_RESPONSE.
func shellTransform(ctx context.Context, request *Request, response *Response, commands []string, logger *util.Logger) (*Response, error) {
	requestJSON := util.ToJSON(request.Object())
	result := response

	for _, command := range commands {
		responseJSON := util.ToJSON(result)
		logger.Debugf("Shelling out to %s", command)

		cmd := exec.CommandContext(ctx, "sh", "-c", command+` "$@"`, "sh", requestJSON, responseJSON)
		cmd.Env = append(os.Environ(), "MB_REQUEST="+requestJSON, "MB_RESPONSE="+responseJSON)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if stderr.Len() > 0 {
				logger.Errorf("%s", strings.TrimSpace(stderr.String()))
			}
			return nil, fmt.Errorf("Command failed: %s\n%s", command, strings.TrimSpace(stderr.String()))
		}

		transformed := &Response{}
		if err := util.FromJSON(stdout.String(), transformed); err != nil {
			return nil, fmt.Errorf("Shell command returned invalid JSON: '%s'", stdout.String())
		}
		result = transformed
	}
	return result, nil
}
