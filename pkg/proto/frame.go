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

package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const (
	// MaxMessageSize bounds the encoded envelope, prefix excluded. Frames
	// above this are rejected on both ends so a bad peer cannot force an
	// arbitrarily large allocation.
	MaxMessageSize = 64 * 1024

	prefixSize = 4
)

var (
	// ErrMessageTooLarge reports a frame that exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum frame size")
	// ErrMalformed reports an envelope that could not be decoded.
	ErrMalformed = errors.New("malformed command envelope")
	// ErrUnknownCommand reports an unrecognized generation or kind.
	ErrUnknownCommand = errors.New("unknown command")
)

// envelope is the on-wire shape of every command. The payload stays opaque
// until the generation and kind select a concrete type.
type envelope struct {
	V Generation      `cbor:"v"`
	K Kind            `cbor:"k"`
	P cbor.RawMessage `cbor:"p"`
}

// Encode serializes a command into its envelope bytes.
func Encode(cmd Command) ([]byte, error) {
	payload, err := cbor.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %T payload: %w", cmd, err)
	}

	data, err := cbor.Marshal(envelope{
		V: cmd.Generation(),
		K: cmd.CommandKind(),
		P: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %T envelope: %w", cmd, err)
	}

	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	return data, nil
}

// Decode parses envelope bytes back into a concrete command.
func Decode(data []byte) (Command, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	cmd := newCommand(env.V, env.K)
	if cmd == nil {
		return nil, fmt.Errorf("%w: generation %d kind %d", ErrUnknownCommand, env.V, env.K)
	}

	if err := cbor.Unmarshal(env.P, cmd); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return cmd, nil
}

func newCommand(gen Generation, kind Kind) Command {
	switch gen {
	case GenV1:
		switch kind {
		case KindLogin:
			return &Login{}
		case KindLoginResult:
			return &LoginResult{}
		case KindHeartbeat:
			return &Heartbeat{}
		case KindModelStatus:
			return &ModelStatus{}
		case KindPullModelResult:
			return &PullModelResult{}
		case KindRequestNewProxyConn:
			return &RequestNewProxyConn{}
		case KindNewProxyConn:
			return &NewProxyConn{}
		case KindInferenceTask:
			return &InferenceTask{}
		case KindInferenceResult:
			return &InferenceResult{}
		}
	case GenV2:
		switch kind {
		case KindP2PConnectionRequest:
			return &P2PConnectionRequest{}
		case KindP2PConnectionInfo:
			return &P2PConnectionInfo{}
		case KindP2PConnectionEstablished:
			return &P2PConnectionEstablished{}
		case KindP2PConnectionFailed:
			return &P2PConnectionFailed{}
		}
	}

	return nil
}

// WriteCommand frames a command and writes it in a single Write call, so
// concurrent writers that serialize on a lock never interleave partial
// frames.
func WriteCommand(w io.Writer, cmd Command) error {
	data, err := Encode(cmd)
	if err != nil {
		return err
	}

	frame := make([]byte, prefixSize+len(data))
	binary.BigEndian.PutUint32(frame[:prefixSize], uint32(len(data)))
	copy(frame[prefixSize:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// ReadCommand reads one length-prefixed frame and decodes it. An io.EOF on
// the prefix read means the peer closed cleanly between frames.
func ReadCommand(r io.Reader) (Command, error) {
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("read frame prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return Decode(data)
}
