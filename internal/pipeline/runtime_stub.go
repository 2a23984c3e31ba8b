//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func newDecoder(maxPixels int64) Decoder {
	return stdlibDecoder{maxPixels: maxPixels}
}
