// Package contracts provides the envelope types exchanged between callers and
// responders of the mmate request/response engine.
//
// This package defines:
//   - RequestEnvelope: a request with its correlation ID and reply address
//   - ResponseEnvelope: the matching response, either a payload or an ErrorDetail
//   - Marshal / Unmarshal: the JSON encoding used by byte-level transports
//
// Only the correlation ID and the reply address are mandated by the engine;
// payloads are opaque bytes interpreted by the business handler.
package contracts
