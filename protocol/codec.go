package protocol

import (
	"bufio"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	appcrypto "peerlink/crypto"
)

const (
	// Magic tags every message on the wire.
	Magic = "PLINK"
	// Version is the protocol version this node writes.
	Version byte = 1
	// MaxVersion is the newest protocol version this node can read.
	MaxVersion byte = 1

	// MaxStringSize bounds trigger and structure identifier fields.
	MaxStringSize = 64 * 1024
	// MaxPayloadSize bounds the serialized payload (10 MB).
	MaxPayloadSize = 10 * 1024 * 1024
	// MaxSignatureSize bounds the signature trailer.
	MaxSignatureSize = 1024

	headerSize = len(Magic) + 2
)

// Flags select optional wire features.
type Flags byte

const (
	// FlagCompressed wraps every field after the header in a DEFLATE stream.
	FlagCompressed Flags = 0x01
)

// Compressed reports whether the compression bit is set.
func (f Flags) Compressed() bool {
	return f&FlagCompressed != 0
}

// WriteMessage frames msg onto w and signs its payload with key.
//
// The signature trailer is written after the compressor is closed, directly
// onto w. An empty key produces an empty signature. w itself is never closed.
func WriteMessage(w io.Writer, msg *Message, flags Flags, key []byte) error {
	if msg == nil || msg.Payload == nil {
		return ErrMissingPayload
	}

	payload, err := msg.Payload.Serialize()
	if err != nil {
		return err
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload is %d bytes", ErrFieldTooLarge, len(payload))
	}
	signature, err := appcrypto.Sign(payload, key)
	if err != nil {
		return fmt.Errorf("sign payload: %w", err)
	}

	bw := bufio.NewWriter(w)
	header := make([]byte, 0, headerSize)
	header = append(header, Magic...)
	header = append(header, Version, byte(flags))
	if _, err := bw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	var body io.Writer = bw
	var compressor *flate.Writer
	if flags.Compressed() {
		compressor, err = flate.NewWriter(bw, flate.DefaultCompression)
		if err != nil {
			return fmt.Errorf("create compressor: %w", err)
		}
		body = compressor
	}

	fw := fieldWriter{w: body}
	fw.uuid(msg.ID)
	fw.uuid(msg.Origin)
	fw.uuid(msg.Destination)
	fw.int64(msg.OriginationTime.Unix())
	fw.bytes([]byte(msg.Trigger))
	fw.bytes([]byte(msg.Payload.StructureID()))
	fw.bytes(payload)
	if fw.err != nil {
		return fmt.Errorf("write message fields: %w", fw.err)
	}

	if compressor != nil {
		if err := compressor.Close(); err != nil {
			return fmt.Errorf("finalize compressor: %w", err)
		}
	}

	trailer := fieldWriter{w: bw}
	trailer.bytes(signature)
	if trailer.err != nil {
		return fmt.Errorf("write signature: %w", trailer.err)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush message: %w", err)
	}
	return nil
}

// KeyFunc resolves the verification key once the header fields of a message
// are known. The header carries no payload yet. Returning validate=false skips
// signature verification.
type KeyFunc func(header *Message) (key []byte, validate bool, err error)

// ReadMessage parses one message from r, resolving its payload through registry.
//
// When validate is true the payload signature must match key. If r does not
// implement io.ByteReader it is buffered, and bytes past the end of the message
// may be consumed from it.
func ReadMessage(r io.Reader, registry *Registry, key []byte, validate bool) (*Message, error) {
	return ReadMessageFunc(r, registry, func(*Message) ([]byte, bool, error) {
		return key, validate, nil
	})
}

// ReadMessageFunc is ReadMessage with the key chosen per message by keyFn.
// An error from keyFn is returned unchanged.
//
// A message that must be validated but carries no signature is still decoded
// and returned together with ErrUnsignedMessage. Callers must not trust it.
func ReadMessageFunc(r io.Reader, registry *Registry, keyFn KeyFunc) (*Message, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	br := asByteReader(r)

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(header[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, header[:len(Magic)])
	}
	version := header[len(Magic)]
	if version > MaxVersion {
		return nil, fmt.Errorf("%w: peer speaks version %d, max supported %d", ErrUnsupportedVersion, version, MaxVersion)
	}
	flags := Flags(header[len(Magic)+1])

	var body io.Reader = br
	var decompressor io.ReadCloser
	if flags.Compressed() {
		decompressor = flate.NewReader(br)
		body = decompressor
	}

	fr := fieldReader{r: body}
	msg := &Message{}
	msg.ID = fr.uuid()
	msg.Origin = fr.uuid()
	msg.Destination = fr.uuid()
	msg.OriginationTime = time.Unix(fr.int64(), 0).UTC()
	msg.Trigger = fr.string()
	structureID := fr.string()
	payload := fr.bytes(MaxPayloadSize)
	if fr.err != nil {
		return nil, fmt.Errorf("read message fields: %w", fr.err)
	}

	if decompressor != nil {
		// Drain to the end of the final block so the trailer starts at br.
		if _, err := io.Copy(io.Discard, decompressor); err != nil {
			return nil, fmt.Errorf("%w: finish compressed section: %v", ErrFormat, err)
		}
		_ = decompressor.Close()
	}

	trailer := fieldReader{r: br}
	signature := trailer.bytes(MaxSignatureSize)
	if trailer.err != nil {
		return nil, fmt.Errorf("read signature: %w", trailer.err)
	}

	value, err := registry.New(structureID)
	if err != nil {
		return nil, err
	}
	key, validate, err := keyFn(msg)
	if err != nil {
		return nil, err
	}
	verified := !validate || appcrypto.Verify(payload, signature, key)
	if !verified && len(signature) > 0 {
		return nil, fmt.Errorf("%w: message %s", ErrSignatureValidation, msg.ID)
	}
	if err := value.Populate(payload); err != nil {
		return nil, err
	}
	msg.Payload = value

	if !verified {
		return msg, fmt.Errorf("%w: message %s", ErrUnsignedMessage, msg.ID)
	}
	return msg, nil
}

// ReadMessageAs reads one message and asserts its payload variant.
func ReadMessageAs[T Payload](r io.Reader, registry *Registry, key []byte, validate bool) (*Message, T, error) {
	var zero T
	msg, err := ReadMessage(r, registry, key, validate)
	if err != nil {
		return nil, zero, err
	}
	typed, ok := msg.Payload.(T)
	if !ok {
		return msg, zero, fmt.Errorf("%w: got %q, want %T", ErrUnknownPayloadType, msg.Payload.StructureID(), zero)
	}
	return msg, typed, nil
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

func asByteReader(r io.Reader) byteReader {
	if br, ok := r.(byteReader); ok {
		return br
	}
	return bufio.NewReader(r)
}

type fieldWriter struct {
	w   io.Writer
	err error
}

func (fw *fieldWriter) write(p []byte) {
	if fw.err != nil {
		return
	}
	_, fw.err = fw.w.Write(p)
}

func (fw *fieldWriter) uuid(id uuid.UUID) {
	fw.write(id[:])
}

func (fw *fieldWriter) int64(v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	fw.write(buf[:])
}

func (fw *fieldWriter) bytes(p []byte) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(len(p)))
	fw.write(buf[:])
	if len(p) > 0 {
		fw.write(p)
	}
}

type fieldReader struct {
	r   io.Reader
	err error
}

func (fr *fieldReader) read(p []byte) {
	if fr.err != nil {
		return
	}
	_, fr.err = io.ReadFull(fr.r, p)
}

func (fr *fieldReader) uuid() uuid.UUID {
	var id uuid.UUID
	fr.read(id[:])
	return id
}

func (fr *fieldReader) int64() int64 {
	var buf [8]byte
	fr.read(buf[:])
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

func (fr *fieldReader) bytes(limit int) []byte {
	var buf [4]byte
	fr.read(buf[:])
	if fr.err != nil {
		return nil
	}
	length := binary.LittleEndian.Uint32(buf[:])
	if uint64(length) > uint64(limit) {
		fr.err = fmt.Errorf("%w: declared %d bytes, limit %d", ErrFieldTooLarge, length, limit)
		return nil
	}
	out := make([]byte, int(length))
	fr.read(out)
	return out
}

func (fr *fieldReader) string() string {
	raw := fr.bytes(MaxStringSize)
	if fr.err != nil {
		return ""
	}
	if !utf8.Valid(raw) {
		fr.err = fmt.Errorf("%w: string field is not valid UTF-8", ErrFormat)
		return ""
	}
	return string(raw)
}
