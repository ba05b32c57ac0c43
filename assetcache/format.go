package assetcache

import (
	"fmt"
	"strconv"
	"strings"
)

const DefaultLossyQuality = 0.8

// Format defines how assets are encoded before they are written to disk.
type Format struct {
	Lossless bool
	// Quality is used only by lossy formats, in range [0, 1].
	Quality float64
}

var (
	LosslessFormat     = Format{Lossless: true}
	DefaultLossyFormat = Format{Quality: DefaultLossyQuality}
)

func LossyFormat(quality float64) Format {
	return Format{Quality: quality}
}

func (f Format) Validate() error {
	if f.Lossless {
		return nil
	}
	if f.Quality < 0 || f.Quality > 1 {
		return fmt.Errorf("quality must be in range [0, 1], got %v", f.Quality)
	}
	return nil
}

func (f Format) String() string {
	if f.Lossless {
		return "lossless"
	}
	return "lossy:" + strconv.FormatFloat(f.Quality, 'f', -1, 64)
}

func (f Format) MarshalText() (text []byte, err error) {
	return []byte(f.String()), nil
}

// UnmarshalText accepts "lossless", "lossy" and "lossy:<quality>".
func (f *Format) UnmarshalText(data []byte) error {
	text := string(data)

	switch {
	case text == "lossless":
		*f = LosslessFormat
		return nil

	case text == "lossy":
		*f = DefaultLossyFormat
		return nil

	case strings.HasPrefix(text, "lossy:"):
		quality, err := strconv.ParseFloat(strings.TrimPrefix(text, "lossy:"), 64)
		if err != nil {
			return fmt.Errorf("invalid quality: %w", err)
		}
		v := LossyFormat(quality)
		if err := v.Validate(); err != nil {
			return err
		}
		*f = v
		return nil

	default:
		return fmt.Errorf("valid values: lossless, lossy, lossy:<quality>")
	}
}
