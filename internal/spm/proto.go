package spm

import (
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// rawPiece is one decoded SentencePiece proto entry (sentencepiece_model.proto
// message SentencePiece): the piece text, its Unigram log-probability score,
// and its type (NORMAL/UNKNOWN/CONTROL/USER_DEFINED/UNUSED/BYTE). Only NORMAL
// and USER_DEFINED pieces participate in segmentation; UNUSED pieces are
// skipped and CONTROL/UNKNOWN/BYTE pieces are not needed because special-token
// IDs are supplied by the caller at construction.
type rawPiece struct {
	text  string
	score float32
	kind  int32
}

const (
	pieceTypeNormal      = 1
	pieceTypeUnknown     = 2
	pieceTypeControl     = 3
	pieceTypeUserDefined = 4
	pieceTypeUnused      = 5
	pieceTypeByte        = 6
)

// field numbers from sentencepiece_model.proto.
const (
	modelProtoFieldPieces = 1

	sentencePieceFieldText  = 1
	sentencePieceFieldScore = 2
	sentencePieceFieldType  = 3
)

// parseModelProto decodes the `repeated SentencePiece pieces = 1` field of a
// ModelProto without generated .pb.go bindings, using the low-level wire
// decoder protowire exposes. Every other ModelProto field (TrainerSpec,
// NormalizerSpec, SelfTestData, denormalizer_spec) is skipped — this engine
// only needs the vocabulary, never the training configuration.
func parseModelProto(r io.Reader) ([]rawPiece, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("spm: read model: %w", err)
	}

	var pieces []rawPiece
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("spm: malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("spm: malformed bytes field: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if num == modelProtoFieldPieces {
				p, err := parseSentencePiece(val)
				if err != nil {
					return nil, err
				}
				pieces = append(pieces, p)
			}
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("spm: malformed varint field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("spm: malformed fixed32 field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("spm: malformed fixed64 field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		default:
			return nil, fmt.Errorf("spm: unsupported wire type %v for field %d", typ, num)
		}
	}

	if len(pieces) == 0 {
		return nil, fmt.Errorf("spm: model contains no pieces")
	}
	return pieces, nil
}

func parseSentencePiece(b []byte) (rawPiece, error) {
	p := rawPiece{kind: pieceTypeNormal}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rawPiece{}, fmt.Errorf("spm: malformed piece tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return rawPiece{}, fmt.Errorf("spm: malformed piece bytes: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if num == sentencePieceFieldText {
				p.text = string(val)
			}
		case protowire.Fixed32Type:
			val, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return rawPiece{}, fmt.Errorf("spm: malformed piece score: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if num == sentencePieceFieldScore {
				p.score = math.Float32frombits(val)
			}
		case protowire.VarintType:
			val, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return rawPiece{}, fmt.Errorf("spm: malformed piece type: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if num == sentencePieceFieldType {
				p.kind = int32(val)
			}
		default:
			// Unrecognized field on a SentencePiece entry; future proto
			// revisions may add fields we don't read.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rawPiece{}, fmt.Errorf("spm: malformed piece field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}
