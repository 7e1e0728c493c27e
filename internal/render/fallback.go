package render

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"os"

	_ "image/png" // scene images may be PNG

	"golang.org/x/image/draw"

	"github.com/storyreel/storyreel/internal/models"
)

// ---------------------------------------------------------------------------
// Library compositor: the last encoder tier.
//
// When no ffmpeg binary exists, scenes are composited in-process into
// Motion-JPEG AVI files. Output quality is nowhere near x264 and the clip is
// silent, but the pipeline still produces a reviewable video instead of
// failing the job. Runs at a reduced frame rate to keep file sizes sane.
// ---------------------------------------------------------------------------

const (
	libraryFPS         = 10
	libraryJPEGQuality = 80
)

// LibraryEncoder implements SceneEncoder without external tools.
type LibraryEncoder struct{}

func NewLibraryEncoder() *LibraryEncoder { return &LibraryEncoder{} }

func (l *LibraryEncoder) Name() string { return "library" }
func (l *LibraryEncoder) Ext() string  { return ".avi" }

// RenderScene scales the scene image to the output resolution and writes it
// as a fixed-duration MJPEG clip. Motion effects and audio are not supported
// on this tier.
func (l *LibraryEncoder) RenderScene(ctx context.Context, in SceneInput, outputPath string, quality models.QualityMode) error {
	width, height := 540, 960
	if quality == models.QualityFinal {
		width, height = 1080, 1920
	}

	f, err := os.Open(in.ImagePath)
	if err != nil {
		return fmt.Errorf("failed to open scene image: %w", err)
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to decode scene image: %w", err)
	}

	// Scale with aspect-fill cropping so portraits do not letterbox.
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, fillRect(src.Bounds(), width, height), draw.Src, nil)

	var frame bytes.Buffer
	if err := jpeg.Encode(&frame, dst, &jpeg.Options{Quality: libraryJPEGQuality}); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	frameCount := int(in.Duration * libraryFPS)
	if frameCount < libraryFPS {
		frameCount = libraryFPS
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	log.Printf("[Render] library tier: scene %d as %d MJPEG frames at %dx%d (no audio)",
		in.Index, frameCount, width, height)

	frames := make([][]byte, frameCount)
	for i := range frames {
		frames[i] = frame.Bytes()
	}
	return writeMJPEGAVI(outputPath, frames, width, height, libraryFPS)
}

// Concatenate joins library clips by re-muxing their frames into one AVI.
// All inputs come from RenderScene, so they share resolution and frame rate.
func (l *LibraryEncoder) Concatenate(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	var frames [][]byte
	var width, height int
	for _, path := range clipPaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		clipFrames, w, h, err := readMJPEGAVI(path)
		if err != nil {
			return fmt.Errorf("failed to read clip %s: %w", path, err)
		}
		if width == 0 {
			width, height = w, h
		}
		frames = append(frames, clipFrames...)
	}

	return writeMJPEGAVI(outputPath, frames, width, height, libraryFPS)
}

// fillRect returns the centered sub-rectangle of src whose aspect ratio
// matches dstW:dstH.
func fillRect(src image.Rectangle, dstW, dstH int) image.Rectangle {
	srcW, srcH := src.Dx(), src.Dy()
	// Compare aspect ratios via cross-multiplication to stay in integers.
	if srcW*dstH > dstW*srcH {
		// Source is wider: crop horizontally.
		w := dstW * srcH / dstH
		x := src.Min.X + (srcW-w)/2
		return image.Rect(x, src.Min.Y, x+w, src.Max.Y)
	}
	// Source is taller: crop vertically.
	h := dstH * srcW / dstW
	y := src.Min.Y + (srcH-h)/2
	return image.Rect(src.Min.X, y, src.Max.X, y+h)
}

// ---------------------------------------------------------------------------
// Minimal MJPEG AVI muxer. Writes a RIFF AVI with a single video stream of
// JPEG frames plus an idx1 index, which is enough for common players. The
// reader only needs to understand files this writer produced.
// ---------------------------------------------------------------------------

func put32(b *bytes.Buffer, v uint32) { binary.Write(b, binary.LittleEndian, v) }
func put16(b *bytes.Buffer, v uint16) { binary.Write(b, binary.LittleEndian, v) }

func writeChunk(b *bytes.Buffer, fourcc string, data []byte) {
	b.WriteString(fourcc)
	put32(b, uint32(len(data)))
	b.Write(data)
	if len(data)%2 == 1 {
		b.WriteByte(0) // RIFF chunks are word-aligned
	}
}

func writeMJPEGAVI(path string, frames [][]byte, width, height, fps int) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to write")
	}

	maxFrame := 0
	for _, f := range frames {
		if len(f) > maxFrame {
			maxFrame = len(f)
		}
	}

	// avih: main AVI header
	var avih bytes.Buffer
	put32(&avih, uint32(1000000/fps)) // microseconds per frame
	put32(&avih, uint32(maxFrame*fps))
	put32(&avih, 0)                  // padding granularity
	put32(&avih, 0x10)               // AVIF_HASINDEX
	put32(&avih, uint32(len(frames)))
	put32(&avih, 0) // initial frames
	put32(&avih, 1) // stream count
	put32(&avih, uint32(maxFrame))
	put32(&avih, uint32(width))
	put32(&avih, uint32(height))
	avih.Write(make([]byte, 16)) // reserved

	// strh: video stream header
	var strh bytes.Buffer
	strh.WriteString("vids")
	strh.WriteString("MJPG")
	put32(&strh, 0) // flags
	put16(&strh, 0) // priority
	put16(&strh, 0) // language
	put32(&strh, 0) // initial frames
	put32(&strh, 1) // scale
	put32(&strh, uint32(fps))
	put32(&strh, 0) // start
	put32(&strh, uint32(len(frames)))
	put32(&strh, uint32(maxFrame))
	put32(&strh, 0xFFFFFFFF) // quality: default
	put32(&strh, 0)          // sample size
	strh.Write(make([]byte, 8))

	// strf: BITMAPINFOHEADER
	var strf bytes.Buffer
	put32(&strf, 40)
	put32(&strf, uint32(width))
	put32(&strf, uint32(height))
	put16(&strf, 1)  // planes
	put16(&strf, 24) // bit count
	strf.WriteString("MJPG")
	put32(&strf, uint32(maxFrame))
	strf.Write(make([]byte, 16))

	var strl bytes.Buffer
	strl.WriteString("strl")
	writeChunk(&strl, "strh", strh.Bytes())
	writeChunk(&strl, "strf", strf.Bytes())

	var hdrl bytes.Buffer
	hdrl.WriteString("hdrl")
	writeChunk(&hdrl, "avih", avih.Bytes())
	writeChunk(&hdrl, "LIST", strl.Bytes())

	var movi bytes.Buffer
	movi.WriteString("movi")
	var idx1 bytes.Buffer
	for _, frame := range frames {
		// idx1 offsets point at the chunk fourcc, relative to "movi"
		idx1.WriteString("00dc")
		put32(&idx1, 0x10) // AVIIF_KEYFRAME
		put32(&idx1, uint32(movi.Len()))
		put32(&idx1, uint32(len(frame)))
		writeChunk(&movi, "00dc", frame)
	}

	var riff bytes.Buffer
	riff.WriteString("AVI ")
	writeChunk(&riff, "LIST", hdrl.Bytes())
	writeChunk(&riff, "LIST", movi.Bytes())
	writeChunk(&riff, "idx1", idx1.Bytes())

	var file bytes.Buffer
	writeChunk(&file, "RIFF", riff.Bytes())

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, file.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write avi: %w", err)
	}
	return os.Rename(tmp, path)
}

// readMJPEGAVI extracts the JPEG frames and dimensions from an AVI written
// by writeMJPEGAVI.
func readMJPEGAVI(path string) (frames [][]byte, width, height int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "AVI " {
		return nil, 0, 0, fmt.Errorf("not an AVI file")
	}

	pos := 12
	for pos+8 <= len(data) {
		fourcc := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			return nil, 0, 0, fmt.Errorf("truncated chunk %q", fourcc)
		}

		if fourcc == "LIST" && size >= 4 {
			listType := string(data[body : body+4])
			switch listType {
			case "hdrl":
				width, height = parseAVIDimensions(data[body+4 : body+size])
			case "movi":
				inner := body + 4
				end := body + size
				for inner+8 <= end {
					cc := string(data[inner : inner+4])
					csize := int(binary.LittleEndian.Uint32(data[inner+4 : inner+8]))
					if inner+8+csize > end {
						break
					}
					if cc == "00dc" {
						frame := make([]byte, csize)
						copy(frame, data[inner+8:inner+8+csize])
						frames = append(frames, frame)
					}
					inner += 8 + csize
					if csize%2 == 1 {
						inner++
					}
				}
			}
		}

		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}

	if len(frames) == 0 {
		return nil, 0, 0, fmt.Errorf("no frames found")
	}
	return frames, width, height, nil
}

// parseAVIDimensions pulls width and height out of the avih chunk.
func parseAVIDimensions(hdrl []byte) (int, int) {
	pos := 0
	for pos+8 <= len(hdrl) {
		fourcc := string(hdrl[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(hdrl[pos+4 : pos+8]))
		if fourcc == "avih" && size >= 40 {
			body := hdrl[pos+8:]
			return int(binary.LittleEndian.Uint32(body[32:36])), int(binary.LittleEndian.Uint32(body[36:40]))
		}
		pos += 8 + size
		if size%2 == 1 {
			pos++
		}
	}
	return 0, 0
}
