// Drawbridge
// Copyright (C) 2025 Moatworks, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package gateway

import (
	"encoding/json"
)

// Request is one inbound message. Payload stays raw until the route's
// handler decodes it.
type Request struct {
	ID      string          `json:"id"`
	Verb    string          `json:"verb"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorDetail carries a mapped error code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response answers exactly one Request, matched by ID.
type Response struct {
	ID      string       `json:"id"`
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

func successResponse(id string, data any) Response {
	return Response{ID: id, Success: true, Data: data}
}

func errorResponse(id, code, message string) Response {
	return Response{ID: id, Success: false, Error: &ErrorDetail{Code: code, Message: message}}
}
