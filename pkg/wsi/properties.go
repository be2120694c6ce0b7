package wsi

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Level describes one native pyramid level of a slide file.
type Level struct {
	Width      int
	Height     int
	Downsample float64
}

// Properties holds what the toolchain can tell us about a slide file.
type Properties struct {
	Width  int
	Height int
	Levels []Level

	// AppMag is the native objective magnification, MPP the microns
	// per pixel. Either may be absent from the file.
	AppMag *float64
	MPP    *float64
}

// LevelCount returns the number of native pyramid levels.
func (p *Properties) LevelCount() int { return len(p.Levels) }

// ReadProperties reads slide metadata, preferring the OpenSlide
// property dumper and falling back to the plain image header reader,
// which can at least report width and height.
func (tc *Toolchain) ReadProperties(ctx context.Context, path string) (*Properties, error) {
	out, err := tc.run(ctx, tc.tileTimeout, tc.openslideBin, path)
	if err == nil {
		props, perr := parseOpenSlideProperties(out)
		if perr == nil {
			return props, nil
		}
		err = perr
	}
	if tc.log != nil {
		tc.log.WithError(err).Debugf("openslide properties unavailable for %s, falling back to header read", path)
	}

	out, herr := tc.run(ctx, tc.tileTimeout, tc.vipsHeaderBin, "-a", path)
	if herr != nil {
		return nil, errors.Wrapf(herr, "both property readers failed for %s (openslide: %v)", path, err)
	}
	return parseHeaderProperties(out)
}

// parseOpenSlideProperties parses "key: 'value'" lines. Values are
// frequently single-quoted; quotes are stripped before conversion.
func parseOpenSlideProperties(out []byte) (*Properties, error) {
	kv := parseKeyValues(out)

	levelCount, err := intProp(kv, "openslide.level-count")
	if err != nil {
		return nil, err
	}
	if levelCount < 1 {
		return nil, errors.Wrapf(ErrToolchain, "reported level count %d", levelCount)
	}

	props := &Properties{}
	for i := 0; i < levelCount; i++ {
		prefix := "openslide.level[" + strconv.Itoa(i) + "]"
		w, err := intProp(kv, prefix+".width")
		if err != nil {
			return nil, err
		}
		h, err := intProp(kv, prefix+".height")
		if err != nil {
			return nil, err
		}
		ds, err := floatProp(kv, prefix+".downsample")
		if err != nil {
			// Downsample is derivable when the file omits it.
			ds = 1
			if i > 0 && w > 0 {
				ds = float64(props.Width) / float64(w)
			}
		}
		props.Levels = append(props.Levels, Level{Width: w, Height: h, Downsample: ds})
		if i == 0 {
			props.Width, props.Height = w, h
		}
	}

	// Optional scanner metadata; Aperio spells these its own way.
	for _, key := range []string{"openslide.objective-power", "aperio.AppMag"} {
		if v, err := floatProp(kv, key); err == nil {
			props.AppMag = &v
			break
		}
	}
	for _, key := range []string{"openslide.mpp-x", "aperio.MPP"} {
		if v, err := floatProp(kv, key); err == nil {
			props.MPP = &v
			break
		}
	}

	return props, nil
}

// parseHeaderProperties parses "field: value" output of the header
// reader. Only width and height are guaranteed; the result is a single
// synthetic level.
func parseHeaderProperties(out []byte) (*Properties, error) {
	kv := parseKeyValues(out)
	w, err := intProp(kv, "width")
	if err != nil {
		return nil, err
	}
	h, err := intProp(kv, "height")
	if err != nil {
		return nil, err
	}
	return &Properties{
		Width:  w,
		Height: h,
		Levels: []Level{{Width: w, Height: h, Downsample: 1}},
	}, nil
}

func parseKeyValues(out []byte) map[string]string {
	kv := make(map[string]string)
	for _, line := range strings.Split(string(out), "\n") {
		i := strings.Index(line, ":")
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		val = strings.Trim(val, "'\"")
		if key != "" {
			kv[key] = val
		}
	}
	return kv
}

func intProp(kv map[string]string, key string) (int, error) {
	v, ok := kv[key]
	if !ok {
		return 0, errors.Wrapf(ErrToolchain, "missing property %q", key)
	}
	// Some writers emit integral values as floats.
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrToolchain, "property %q = %q is not numeric", key, v)
	}
	return int(f), nil
}

func floatProp(kv map[string]string, key string) (float64, error) {
	v, ok := kv[key]
	if !ok {
		return 0, errors.Wrapf(ErrToolchain, "missing property %q", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrToolchain, "property %q = %q is not numeric", key, v)
	}
	return f, nil
}
