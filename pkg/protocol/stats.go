package protocol

import (
	"fmt"
	"io"
)

// NoFiles is reported as the most downloaded file before any download
const NoFiles = "no files"

// StatsFrame is the payload pushed to statistics subscribers.
//
// Wire layout: [active u8][name length u8][name][count u8]. Numeric values
// saturate at 255 and names are truncated to 255 bytes.
type StatsFrame struct {
	ActiveClients  int    `json:"active_clients" yaml:"active_clients"`
	MostDownloaded string `json:"most_downloaded" yaml:"most_downloaded"`
	DownloadCount  int64  `json:"download_count" yaml:"download_count"`
}

// MarshalBinary encodes the frame for the wire
func (f StatsFrame) MarshalBinary() ([]byte, error) {
	name := f.MostDownloaded
	if len(name) > 255 {
		name = name[:255]
	}

	buf := make([]byte, 0, 3+len(name))
	buf = append(buf, saturate(int64(f.ActiveClients)))
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = append(buf, saturate(f.DownloadCount))
	return buf, nil
}

// WriteStatsFrame encodes f to w in a single write
func WriteStatsFrame(w io.Writer, f StatsFrame) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadStatsFrame decodes one frame from r
func ReadStatsFrame(r io.Reader) (StatsFrame, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return StatsFrame{}, err
	}

	name := make([]byte, int(head[1]))
	if _, err := io.ReadFull(r, name); err != nil {
		return StatsFrame{}, fmt.Errorf("failed to read file name: %w", err)
	}

	var count [1]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return StatsFrame{}, fmt.Errorf("failed to read download count: %w", err)
	}

	return StatsFrame{
		ActiveClients:  int(head[0]),
		MostDownloaded: string(name),
		DownloadCount:  int64(count[0]),
	}, nil
}

func saturate(v int64) byte {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return byte(v)
	}
}
