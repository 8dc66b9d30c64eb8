package replica

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"AttestGate/internal/attestation"
	"AttestGate/internal/types"
)

// maxPayloadSize caps a decompressed canonical payload.
const maxPayloadSize = 1 << 20

// Message is the decoded form of a types.ConsensusMessage.
type Message struct {
	Kind      types.MessageKind
	View      uint64
	Sequence  uint64
	Digest    attestation.Digest
	Leader    string
	Node      string
	Payload   []byte // Payload is the canonical attestation, uncompressed
	Signature []byte // Signature is a vote signature or an aggregated certificate
	Signers   []byte // Signers is the certificate's roster bitmap
	Reason    string // Reason explains an abstention
}

// Encode serializes m, compressing its payload.
func Encode(m *Message) ([]byte, error) {
	var payload []byte

	if len(m.Payload) > 0 {
		if len(m.Payload) > maxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d > %d", len(m.Payload), maxPayloadSize)
		}

		var err error
		if payload, err = compress(m.Payload); err != nil {
			return nil, fmt.Errorf("compress payload:\n%w", err)
		}
	}

	builder := flatbuffers.NewBuilder(256 + len(payload))

	digestVec := builder.CreateByteVector(m.Digest[:])
	leaderOff := builder.CreateString(m.Leader)
	nodeOff := builder.CreateString(m.Node)
	reasonOff := builder.CreateString(m.Reason)

	var payloadVec, sigVec, signersVec flatbuffers.UOffsetT
	if len(payload) > 0 {
		payloadVec = builder.CreateByteVector(payload)
	}
	if len(m.Signature) > 0 {
		sigVec = builder.CreateByteVector(m.Signature)
	}
	if len(m.Signers) > 0 {
		signersVec = builder.CreateByteVector(m.Signers)
	}

	types.ConsensusMessageStart(builder)
	types.ConsensusMessageAddKind(builder, m.Kind)
	types.ConsensusMessageAddView(builder, m.View)
	types.ConsensusMessageAddSequence(builder, m.Sequence)
	types.ConsensusMessageAddDigest(builder, digestVec)
	types.ConsensusMessageAddLeader(builder, leaderOff)
	types.ConsensusMessageAddNode(builder, nodeOff)
	if payloadVec != 0 {
		types.ConsensusMessageAddPayload(builder, payloadVec)
	}
	if sigVec != 0 {
		types.ConsensusMessageAddSignature(builder, sigVec)
	}
	if signersVec != 0 {
		types.ConsensusMessageAddSigners(builder, signersVec)
	}
	types.ConsensusMessageAddReason(builder, reasonOff)
	types.FinishConsensusMessageBuffer(builder, types.ConsensusMessageEnd(builder))

	return builder.FinishedBytes(), nil
}

// Decode parses and decompresses a message. Malformed input is an error,
// never a panic.
func Decode(data []byte) (m *Message, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			m = nil
			retErr = fmt.Errorf("malformed consensus message")
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("consensus message too short")
	}

	fb := types.GetRootAsConsensusMessage(data, 0)

	digest := fb.DigestBytes()
	if len(digest) != attestation.DigestSize {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", attestation.DigestSize, len(digest))
	}

	m = &Message{
		Kind:      fb.Kind(),
		View:      fb.View(),
		Sequence:  fb.Sequence(),
		Leader:    string(fb.Leader()),
		Node:      string(fb.Node()),
		Signature: cloneBytes(fb.SignatureBytes()),
		Signers:   cloneBytes(fb.SignersBytes()),
		Reason:    string(fb.Reason()),
	}
	copy(m.Digest[:], digest)

	if compressed := fb.PayloadBytes(); len(compressed) > 0 {
		payload, err := decompress(compressed)
		if err != nil {
			return nil, fmt.Errorf("decompress payload:\n%w", err)
		}
		m.Payload = payload
	}

	return m, nil
}

// compress compresses data using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd data, refusing output above maxPayloadSize.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)
	return out
}
