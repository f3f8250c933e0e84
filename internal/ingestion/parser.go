package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"VeilTrade/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// ErrMalformed marks payloads that can never be applied. NATS messages
// carrying one are terminated instead of redelivered.
var ErrMalformed = errors.New("malformed command")

const (
	// CommandSubjectPrefix is followed by the command type name, e.g.
	// veil.commands.CreateOrder.
	CommandSubjectPrefix = "veil.commands."

	// DecryptSubject carries FinalizeDecryption answers from the gateway.
	DecryptSubject = "veil.decrypt.finalize"
)

// ParseCommand decodes a JSON payload into the command named typeName.
// Unknown fields are rejected so that a producer typo cannot silently drop
// an input.
func ParseCommand(typeName string, data []byte) (event.Command, error) {
	ct, ok := event.ParseCommandType(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command type %q", ErrMalformed, typeName)
	}
	cmd, ok := event.NewCommand(ct)
	if !ok {
		return nil, fmt.Errorf("%w: no decoder for %s", ErrMalformed, typeName)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cmd); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformed, typeName, err)
	}
	if cmd.Sender() == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s without caller", ErrMalformed, typeName)
	}
	return cmd, nil
}

// CommandTypeFromSubject maps a NATS subject onto a command type name.
func CommandTypeFromSubject(subject string) (string, error) {
	if subject == DecryptSubject {
		return event.CommandTypeFinalizeDecryption.String(), nil
	}
	name, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok || name == "" || strings.Contains(name, ".") {
		return "", fmt.Errorf("%w: subject %q", ErrMalformed, subject)
	}
	return name, nil
}

// ParseMessage decodes a message from any ingest subject.
func ParseMessage(subject string, data []byte) (event.Command, error) {
	name, err := CommandTypeFromSubject(subject)
	if err != nil {
		return nil, err
	}
	return ParseCommand(name, data)
}
