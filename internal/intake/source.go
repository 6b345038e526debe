package intake

// Source is where an image comes from. It is implemented by UploadedBytes,
// RemoteURL and CapturedFrame only.
type Source interface {
	sourceKind() string
}

// UploadedBytes is a file picked by the user. Extension is the file name's
// extension as declared by the client, with or without the leading dot.
type UploadedBytes struct {
	Data      []byte
	Extension string
}

// RemoteURL is an image the user pointed at by address.
type RemoteURL struct {
	URL string
}

// CapturedFrame is a still taken with the device camera. It carries no
// declared extension; the format is detected from the bytes.
type CapturedFrame struct {
	Data []byte
}

func (UploadedBytes) sourceKind() string { return "upload" }
func (RemoteURL) sourceKind() string     { return "url" }
func (CapturedFrame) sourceKind() string { return "capture" }

// Kind returns a short label for logs and metrics.
func Kind(src Source) string {
	if src == nil {
		return "none"
	}
	return src.sourceKind()
}
