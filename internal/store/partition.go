package store

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/lakowske/ib-stream/internal/tick"
)

// Key identifies one partition: the set of records sharing (cid, tt, hour).
type Key struct {
	Cid   uint32
	Tt    tick.Type
	Year  int
	Month time.Month
	Day   int
	Hour  int
}

// KeyForTs computes the partition key for a broker-time microsecond
// timestamp, in UTC (§4.4: "computed from cid, tt, and ts (broker time, not
// system time)").
func KeyForTs(cid uint32, tt tick.Type, tsMicros uint64) Key {
	t := time.UnixMicro(int64(tsMicros)).UTC()
	return Key{Cid: cid, Tt: tt, Year: t.Year(), Month: t.Month(), Day: t.Day(), Hour: t.Hour()}
}

// HourStart returns the UTC start-of-hour instant for the partition.
func (k Key) HourStart() time.Time {
	return time.Date(k.Year, k.Month, k.Day, k.Hour, 0, 0, 0, time.UTC)
}

// Dir returns the partition's directory: <root>/<encoding>/<schema>/<cid>/<tt>/<YYYY>/<MM>/<DD>/<HH>.
func (k Key) Dir(root, encoding, schema string) string {
	return filepath.Join(root, encoding, schema,
		fmt.Sprintf("%d", k.Cid), string(k.Tt),
		fmt.Sprintf("%04d", k.Year), fmt.Sprintf("%02d", int(k.Month)),
		fmt.Sprintf("%02d", k.Day), fmt.Sprintf("%02d", k.Hour))
}

// FileName returns the file basename for a newly-opened partition file,
// "<cid>_<tt>_<HH>mmss.<ext>".
func (k Key) FileName(ext string, at time.Time) string {
	return fmt.Sprintf("%d_%s_%s.%s", k.Cid, k.Tt, at.UTC().Format("150405"), ext)
}
