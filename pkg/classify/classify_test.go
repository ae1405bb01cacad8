package classify

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recibo-labs/recibo/pkg/bus"
	"github.com/recibo-labs/recibo/pkg/objstore"
	"github.com/recibo-labs/recibo/pkg/schema"
)

func TestClassifyName(t *testing.T) {
	cases := map[string]schema.VendorType{
		"ubereats_20240301_001847.tiff":          schema.VendorUberEats,
		"invoices/2024/03/01/doordash_8823.tiff": schema.VendorDoorDash,
		"GRUBHUB-4471209.tiff":                   schema.VendorGrubhub,
		"ifood_repasse_031502.tiff":              schema.VendorIFood,
		"rappi_77120.tiff":                       schema.VendorRappi,
		"scan0001.tiff":                          schema.VendorOther,
		"unknown_vendor.tiff":                    schema.VendorOther,
	}
	for name, want := range cases {
		assert.Equal(t, want, ClassifyName(name), name)
	}
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// noisyImage is a stand-in for a sharp scan: high-frequency noise has
// strong local gradients.
func noisyImage(w, h int) image.Image {
	rng := rand.New(rand.NewSource(1))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	return img
}

func flatImage(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

func TestQualityScore_Ordering(t *testing.T) {
	sharp, err := qualityScore(encodePNG(t, noisyImage(400, 300)))
	require.NoError(t, err)
	blurred, err := qualityScore(encodePNG(t, flatImage(400, 300)))
	require.NoError(t, err)

	assert.Greater(t, sharp, blurred)
	assert.GreaterOrEqual(t, sharp, 0.0)
	assert.LessOrEqual(t, sharp, 1.0)
}

func TestQualityScore_ResolutionComponent(t *testing.T) {
	big, err := qualityScore(encodePNG(t, noisyImage(2000, 1200)))
	require.NoError(t, err)
	small, err := qualityScore(encodePNG(t, noisyImage(100, 60)))
	require.NoError(t, err)
	assert.Greater(t, big, small)
}

func TestQualityScore_RejectsNonPNG(t *testing.T) {
	_, err := qualityScore([]byte("not a png"))
	assert.Error(t, err)
}

func newTestProcessor() (*Processor, *objstore.Memory, *bus.Memory) {
	store := objstore.NewMemory()
	b := bus.NewMemory()
	logger := slog.New(slog.DiscardHandler)
	return New(store, b, "archive", "invoice-converted", "invoice-classified", logger), store, b
}

func convertedMsg(t *testing.T, sourceURI string, pageURIs []string) *bus.Message {
	t.Helper()
	payload, err := schema.Encode(schema.InvoiceConverted{
		EventTime:     time.Now().UTC(),
		SourceURI:     sourceURI,
		ConvertedURIs: pageURIs,
		PageCount:     len(pageURIs),
	})
	require.NoError(t, err)
	return &bus.Message{ID: "m1", Data: payload, DeliveryAttempt: 1}
}

func TestHandle_ClassifiesArchivesPublishes(t *testing.T) {
	p, store, b := newTestProcessor()
	ctx := context.Background()

	_, err := store.Write(ctx, "landing", "invoices/2024/03/01/ifood_x.tiff", []byte("tiff"), "image/tiff")
	require.NoError(t, err)
	pageURI, err := store.Write(ctx, "processed", "ifood_x_page1.png",
		encodePNG(t, noisyImage(200, 100)), "image/png")
	require.NoError(t, err)

	msg := convertedMsg(t, "gs://landing/invoices/2024/03/01/ifood_x.tiff", []string{pageURI})
	require.NoError(t, p.Handle(ctx, msg))

	// Archive copy keeps the source basename.
	assert.True(t, store.Exists("archive", "ifood_x.tiff"))

	msgs := b.Published("invoice-classified")
	require.Len(t, msgs, 1)
	var event schema.InvoiceClassified
	require.NoError(t, schema.Decode(msgs[0].Data, &event))
	assert.Equal(t, schema.VendorIFood, event.VendorType)
	assert.Equal(t, "gs://archive/ifood_x.tiff", event.ArchivedURI)
	assert.Greater(t, event.QualityScore, 0.0)
	assert.Equal(t, []string{pageURI}, event.ConvertedURIs)
}

func TestHandle_MalformedEnvelopeDeadLetters(t *testing.T) {
	p, _, b := newTestProcessor()
	msg := &bus.Message{ID: "m1", Data: []byte("{not json"), DeliveryAttempt: 1}
	require.NoError(t, p.Handle(context.Background(), msg))
	require.Len(t, b.Published(schema.DLQTopic("invoice-converted")), 1)
}

func TestHandle_UnreadablePageDeadLetters(t *testing.T) {
	p, store, b := newTestProcessor()
	ctx := context.Background()

	_, err := store.Write(ctx, "landing", "scan.tiff", []byte("tiff"), "image/tiff")
	require.NoError(t, err)
	pageURI, err := store.Write(ctx, "processed", "scan_page1.png", []byte("not a png"), "image/png")
	require.NoError(t, err)

	require.NoError(t, p.Handle(ctx, convertedMsg(t, "gs://landing/scan.tiff", []string{pageURI})))
	assert.Empty(t, b.Published("invoice-classified"))
	require.Len(t, b.Published(schema.DLQTopic("invoice-converted")), 1)
}
