// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIError_WireShape(t *testing.T) {
	raw, err := json.Marshal(&APIError{
		Code:      ErrCodeTimeout,
		Message:   "request exceeded the processing ceiling",
		Stage:     "synthesized",
		Retryable: false,
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"error": {
			"code": "timeout",
			"message": "request exceeded the processing ceiling",
			"stage": "synthesized",
			"retryable": false
		}
	}`, string(raw))
}

func TestAPIError_WireShapeOmitsEmptyStage(t *testing.T) {
	raw, err := json.Marshal(&APIError{
		Code:      ErrCodeOverloaded,
		Message:   "server overloaded",
		Retryable: true,
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"error": {
			"code": "overloaded",
			"message": "server overloaded",
			"retryable": true
		}
	}`, string(raw))
}

func TestAPIError_RoundTrip(t *testing.T) {
	in := &APIError{
		Code:      ErrCodeUpstreamUnavailable,
		Message:   "adapter down",
		Stage:     "retrieved",
		Retryable: true,
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out APIError
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, *in, out)
}
