package convert

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"

	"golang.org/x/image/tiff"

	"github.com/recibo-labs/recibo/pkg/errs"
)

const tiffHeaderLen = 8

// splitPages returns one standalone single-page TIFF per directory in a
// multi-page file. The decoder only reads the first image file
// directory, so each page is produced by copying the file and patching
// two pointers: the header's first-IFD offset to the page's IFD, and
// that IFD's next-IFD offset to zero. Strip data stays at its original
// offsets, which the copy preserves.
func splitPages(data []byte) ([][]byte, error) {
	if len(data) < tiffHeaderLen {
		return nil, errs.Newf(errs.KindInvalidInput, "convert: truncated tiff header (%d bytes)", len(data))
	}

	var order binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		order = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, errs.Newf(errs.KindInvalidInput, "convert: not a tiff: bad byte-order mark %q", data[:2])
	}
	if order.Uint16(data[2:4]) != 42 {
		return nil, errs.Newf(errs.KindInvalidInput, "convert: not a tiff: bad magic")
	}

	var pages [][]byte
	seen := make(map[uint32]bool)
	offset := order.Uint32(data[4:8])
	for offset != 0 {
		if seen[offset] {
			return nil, errs.Newf(errs.KindInvalidInput, "convert: tiff ifd chain loops at offset %d", offset)
		}
		seen[offset] = true
		if int(offset)+2 > len(data) {
			return nil, errs.Newf(errs.KindInvalidInput, "convert: tiff ifd offset %d out of range", offset)
		}
		entryCount := order.Uint16(data[offset : offset+2])
		nextPos := int(offset) + 2 + int(entryCount)*12
		if nextPos+4 > len(data) {
			return nil, errs.Newf(errs.KindInvalidInput, "convert: tiff ifd at %d overruns file", offset)
		}

		page := make([]byte, len(data))
		copy(page, data)
		order.PutUint32(page[4:8], offset)
		order.PutUint32(page[nextPos:nextPos+4], 0)
		pages = append(pages, page)

		offset = order.Uint32(data[nextPos : nextPos+4])
	}
	if len(pages) == 0 {
		return nil, errs.Newf(errs.KindInvalidInput, "convert: tiff has no image directories")
	}
	return pages, nil
}

// decodePages decodes every page of a TIFF into images, in physical
// page order.
func decodePages(data []byte) ([]image.Image, error) {
	pages, err := splitPages(data)
	if err != nil {
		return nil, err
	}
	images := make([]image.Image, 0, len(pages))
	for i, page := range pages {
		img, err := tiff.Decode(bytes.NewReader(page))
		if err != nil {
			return nil, errs.New(errs.KindInvalidInput, fmt.Errorf("convert: decode page %d: %w", i+1, err))
		}
		images = append(images, img)
	}
	return images, nil
}
