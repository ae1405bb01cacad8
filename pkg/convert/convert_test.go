package convert

import (
	"bytes"
	"context"
	"encoding/binary"
	"image/png"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recibo-labs/recibo/pkg/bus"
	"github.com/recibo-labs/recibo/pkg/errs"
	"github.com/recibo-labs/recibo/pkg/objstore"
	"github.com/recibo-labs/recibo/pkg/schema"
)

// makeTIFF builds a little-endian multi-page TIFF of 8-bit grayscale
// pages, one strip per page. Each page's pixels are filled with a
// distinct value so tests can tell pages apart after decoding.
func makeTIFF(t *testing.T, pages, w, h int) []byte {
	t.Helper()

	const (
		headerLen  = 8
		entryCount = 9
		ifdLen     = 2 + entryCount*12 + 4
	)
	pixLen := w * h

	pixOffs := make([]uint32, pages)
	ifdOffs := make([]uint32, pages)
	off := uint32(headerLen)
	for i := 0; i < pages; i++ {
		pixOffs[i] = off
		ifdOffs[i] = off + uint32(pixLen)
		off = ifdOffs[i] + ifdLen
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	u16 := func(v uint16) { _ = binary.Write(&buf, le, v) }
	u32 := func(v uint32) { _ = binary.Write(&buf, le, v) }

	buf.WriteString("II")
	u16(42)
	u32(ifdOffs[0])

	entry := func(tag, typ uint16, value uint32) {
		u16(tag)
		u16(typ)
		u32(1)
		if typ == 3 { // SHORT packs into the low half of the value field
			u16(uint16(value))
			u16(0)
		} else {
			u32(value)
		}
	}

	for i := 0; i < pages; i++ {
		for p := 0; p < pixLen; p++ {
			buf.WriteByte(byte(40 * (i + 1)))
		}
		u16(entryCount)
		entry(256, 3, uint32(w))       // ImageWidth
		entry(257, 3, uint32(h))       // ImageLength
		entry(258, 3, 8)               // BitsPerSample
		entry(259, 3, 1)               // Compression: none
		entry(262, 3, 1)               // PhotometricInterpretation: BlackIsZero
		entry(273, 4, pixOffs[i])      // StripOffsets
		entry(277, 3, 1)               // SamplesPerPixel
		entry(278, 3, uint32(h))       // RowsPerStrip
		entry(279, 4, uint32(pixLen))  // StripByteCounts
		if i+1 < pages {
			u32(ifdOffs[i+1])
		} else {
			u32(0)
		}
	}
	return buf.Bytes()
}

func TestSplitPages_MultiPage(t *testing.T) {
	data := makeTIFF(t, 3, 16, 8)
	pages, err := splitPages(data)
	require.NoError(t, err)
	assert.Len(t, pages, 3)
}

func TestDecodePages_DistinctContent(t *testing.T) {
	data := makeTIFF(t, 2, 16, 8)
	images, err := decodePages(data)
	require.NoError(t, err)
	require.Len(t, images, 2)

	r1, _, _, _ := images[0].At(0, 0).RGBA()
	r2, _, _, _ := images[1].At(0, 0).RGBA()
	assert.NotEqual(t, r1, r2, "pages decoded in order with their own pixels")
}

func TestSplitPages_RejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		[]byte("short"),
		[]byte("XX\x2a\x00\x08\x00\x00\x00"),
		append([]byte("II\x2a\x00"), 0xff, 0xff, 0xff, 0x7f), // IFD offset out of range
	} {
		_, err := splitPages(data)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindInvalidInput))
	}
}

func newTestProcessor() (*Processor, *objstore.Memory, *bus.Memory) {
	store := objstore.NewMemory()
	b := bus.NewMemory()
	logger := slog.New(slog.DiscardHandler)
	return New(store, b, "processed", "invoice-uploaded", "invoice-converted", logger), store, b
}

func uploadedMsg(t *testing.T, bucket, name string) *bus.Message {
	t.Helper()
	payload, err := schema.Encode(schema.InvoiceUploaded{
		EventTime:  time.Now().UTC(),
		Bucket:     bucket,
		ObjectName: name,
	})
	require.NoError(t, err)
	return &bus.Message{ID: "m1", Data: payload, DeliveryAttempt: 1}
}

func TestHandle_ConvertsAndPublishes(t *testing.T) {
	p, store, b := newTestProcessor()
	ctx := context.Background()

	_, err := store.Write(ctx, "landing", "invoices/2024/03/01/ubereats_x.tiff",
		makeTIFF(t, 2, 16, 8), "image/tiff")
	require.NoError(t, err)

	require.NoError(t, p.Handle(ctx, uploadedMsg(t, "landing", "invoices/2024/03/01/ubereats_x.tiff")))

	// Page objects are {stem}_page{n}.png, 1-indexed, valid PNG.
	for _, name := range []string{"ubereats_x_page1.png", "ubereats_x_page2.png"} {
		data, err := store.Read(ctx, "processed", name)
		require.NoError(t, err, name)
		_, err = png.Decode(bytes.NewReader(data))
		require.NoError(t, err, name)
	}

	msgs := b.Published("invoice-converted")
	require.Len(t, msgs, 1)
	var event schema.InvoiceConverted
	require.NoError(t, schema.Decode(msgs[0].Data, &event))
	assert.Equal(t, "gs://landing/invoices/2024/03/01/ubereats_x.tiff", event.SourceURI)
	assert.Equal(t, 2, event.PageCount)
	assert.Equal(t, []string{
		"gs://processed/ubereats_x_page1.png",
		"gs://processed/ubereats_x_page2.png",
	}, event.ConvertedURIs)
}

// Redelivery of the same upload overwrites the same pages and
// republishes an equivalent event instead of failing.
func TestHandle_Idempotent(t *testing.T) {
	p, store, b := newTestProcessor()
	ctx := context.Background()

	_, err := store.Write(ctx, "landing", "a.tiff", makeTIFF(t, 1, 8, 8), "image/tiff")
	require.NoError(t, err)

	msg := uploadedMsg(t, "landing", "a.tiff")
	require.NoError(t, p.Handle(ctx, msg))
	require.NoError(t, p.Handle(ctx, msg))

	assert.Len(t, store.List("processed"), 1)
	assert.Len(t, b.Published("invoice-converted"), 2)
}

// A corrupted TIFF is poison: routed to the DLQ and acked, never
// retried.
func TestHandle_CorruptTIFFDeadLetters(t *testing.T) {
	p, store, b := newTestProcessor()
	ctx := context.Background()

	_, err := store.Write(ctx, "landing", "broken.tiff", []byte("not a tiff"), "image/tiff")
	require.NoError(t, err)

	require.NoError(t, p.Handle(ctx, uploadedMsg(t, "landing", "broken.tiff")))

	assert.Empty(t, b.Published("invoice-converted"))
	dlq := b.Published(schema.DLQTopic("invoice-uploaded"))
	require.Len(t, dlq, 1)
	var env schema.DLQEnvelope
	require.NoError(t, schema.Decode(dlq[0].Data, &env))
	assert.Equal(t, "convert", env.Stage)
	assert.Equal(t, "invalid_image", env.Reason)
}

func TestHandle_MissingObjectDeadLetters(t *testing.T) {
	p, _, b := newTestProcessor()
	require.NoError(t, p.Handle(context.Background(), uploadedMsg(t, "landing", "gone.tiff")))
	require.Len(t, b.Published(schema.DLQTopic("invoice-uploaded")), 1)
}

// Transient store failures surface as errors so the bus redelivers.
func TestHandle_TransientReadNacks(t *testing.T) {
	p, store, b := newTestProcessor()
	ctx := context.Background()

	_, err := store.Write(ctx, "landing", "a.tiff", makeTIFF(t, 1, 8, 8), "image/tiff")
	require.NoError(t, err)

	store.FailNext = true
	err = p.Handle(ctx, uploadedMsg(t, "landing", "a.tiff"))
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
	assert.Empty(t, b.Published(schema.DLQTopic("invoice-uploaded")))
}
