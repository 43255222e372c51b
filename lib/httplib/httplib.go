/*
Copyright 2024 Bastion Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// HandlerFunc specifies an HTTP handler function that returns a JSON
// serializable result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, &val); err != nil {
		return trace.BadParameter("request: %v", err.Error())
	}
	return nil
}

// ErrorMessage is the JSON body written for failed requests.
type ErrorMessage struct {
	Message string `json:"message"`
}

// ReplyError sets up an HTTP error response and writes it to writer w.
func ReplyError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case trace.IsNotFound(err):
		code = http.StatusNotFound
	case trace.IsBadParameter(err), trace.IsOAuth2(err):
		code = http.StatusBadRequest
	case trace.IsAccessDenied(err):
		code = http.StatusForbidden
	case trace.IsAlreadyExists(err):
		code = http.StatusConflict
	case trace.IsCompareFailed(err):
		code = http.StatusConflict
	case trace.IsLimitExceeded(err):
		code = http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusInternalServerError
	}
	roundtrip.ReplyJSON(w, code, ErrorMessage{Message: trace.UserMessage(err)})
}

// SetRetryAfter writes a Retry-After hint, rounded up to whole seconds.
func SetRetryAfter(w http.ResponseWriter, d time.Duration) {
	seconds := int64(d / time.Second)
	if d%time.Second != 0 || seconds == 0 {
		seconds++
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
}

// ConvertResponse converts an HTTP error response to a classified trace
// error based on the response code and body.
func ConvertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		return nil, trace.Wrap(err)
	}
	code := re.Code()
	if code >= 200 && code <= 299 {
		return re, nil
	}
	var msg ErrorMessage
	if err := json.Unmarshal(re.Bytes(), &msg); err != nil {
		msg.Message = string(re.Bytes())
	}
	switch code {
	case http.StatusNotFound:
		return nil, trace.NotFound("%s", msg.Message)
	case http.StatusBadRequest:
		return nil, trace.BadParameter("%s", msg.Message)
	case http.StatusForbidden, http.StatusUnauthorized:
		return nil, trace.AccessDenied("%s", msg.Message)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return nil, trace.CompareFailed("%s", msg.Message)
	case http.StatusTooManyRequests:
		return nil, trace.LimitExceeded("%s", msg.Message)
	case http.StatusServiceUnavailable:
		return nil, trace.ConnectionProblem(nil, "%s", msg.Message)
	}
	return nil, trace.BadParameter("unrecognized http error: %v %v", code, msg.Message)
}
