/*
 * Copyright 2026 GPUFleet Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package router

import (
	"bytes"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"
)

// maxHeadBytes caps how much of a request the router will buffer while
// looking for the routing fields. Everything read is replayed to the
// device, so the cap also bounds per-request memory.
const maxHeadBytes = 64 * 1024

// requestInfo is what the router needs from a request head to route it.
type requestInfo struct {
	token     string
	requestID string
	model     string
}

// readRequestInfo reads from the caller until it has the request headers
// and, when a body is present, enough of it to learn the target model. The
// body may arrive incomplete; a full JSON decode handles whole documents
// and a field scan handles partial ones. All consumed bytes are returned
// for replay.
func readRequestInfo(conn net.Conn, timeout time.Duration) (requestInfo, []byte, error) {
	var (
		info          requestInfo
		buf           []byte
		headerEnd     = -1
		contentLength = -1
	)

	chunk := make([]byte, 4096)

	for len(buf) < maxHeadBytes {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return info, buf, err
		}

		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)

		if headerEnd < 0 {
			if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
				headerEnd = i + 4
				info.token, info.requestID, contentLength = parseHeaders(buf[:i])
			}
		}

		if headerEnd >= 0 {
			if contentLength == 0 {
				return info, buf, nil
			}

			body := buf[headerEnd:]

			if model, ok := extractModel(body); ok {
				info.model = model
				return info, buf, nil
			}

			if contentLength > 0 && len(body) >= contentLength {
				// Full body with no usable model field.
				return info, buf, nil
			}

			if contentLength < 0 && len(body) == 0 {
				// No body announced; nothing more to wait for.
				return info, buf, nil
			}
		}

		if err != nil {
			if headerEnd >= 0 {
				// Route with what we have; the device sees the same bytes.
				return info, buf, nil
			}

			return info, buf, err
		}
	}

	if headerEnd < 0 {
		return info, buf, errHeadTooLarge
	}

	return info, buf, nil
}

// parseHeaders pulls the bearer token, request ID, and content length out
// of raw header bytes. The request line and unrecognized headers are
// passed through untouched.
func parseHeaders(head []byte) (token, requestID string, contentLength int) {
	contentLength = -1

	lines := strings.Split(string(head), "\r\n")
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(name)) {
		case "authorization":
			token = strings.TrimSpace(strings.TrimPrefix(value, "Bearer"))
		case "x-request-id":
			requestID = value
		case "content-length":
			if n, err := strconv.Atoi(value); err == nil {
				contentLength = n
			}
		}
	}

	return token, requestID, contentLength
}

// extractModel finds the model field in a possibly incomplete JSON body.
// ok reports a definitive answer: either the document parsed whole or a
// complete quoted model value was found mid-stream.
func extractModel(body []byte) (string, bool) {
	var doc struct {
		Model string `json:"model"`
	}

	if json.Unmarshal(body, &doc) == nil {
		return doc.Model, true
	}

	return scanModel(body)
}

// scanModel looks for `"model": "<value>"` in a partial JSON document.
func scanModel(body []byte) (string, bool) {
	const key = `"model"`

	i := bytes.Index(body, []byte(key))
	if i < 0 {
		return "", false
	}

	rest := body[i+len(key):]

	j := 0
	for j < len(rest) && (rest[j] == ' ' || rest[j] == '\t' || rest[j] == ':') {
		j++
	}

	if j >= len(rest) || rest[j] != '"' {
		return "", false
	}

	rest = rest[j+1:]

	var val []byte

	for k := 0; k < len(rest); k++ {
		switch rest[k] {
		case '\\':
			if k+1 < len(rest) {
				k++
				val = append(val, rest[k])
			}
		case '"':
			return string(val), true
		default:
			val = append(val, rest[k])
		}
	}

	return "", false
}
