package codec

import (
	"fmt"
	"strconv"
	"time"
)

// EncodeReportTime packs t (interpreted in its own location) into 6 BCD
// bytes: YYMMDDHHmmSS. This is the report-time field carried by every
// downlink command and ack frame.
func EncodeReportTime(t time.Time) []byte {
	s := fmt.Sprintf("%02d%02d%02d%02d%02d%02d",
		t.Year()%100, int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	return StringToBCD(s)
}

// ParseBCDTime formats a 10-12 digit BCD time string (YYMMDDHHMMSS, with
// seconds optional) into "2006-01-02 15:04:05". Strings shorter than 10
// digits are returned unmodified: a truncated time field should not fail
// the whole frame.
func ParseBCDTime(timeBCD string) string {
	if len(timeBCD) < 10 {
		return timeBCD
	}
	year := 2000 + atoiSafe(timeBCD[0:2])
	month := timeBCD[2:4]
	day := timeBCD[4:6]
	hour := timeBCD[6:8]
	minute := timeBCD[8:10]
	second := "00"
	if len(timeBCD) >= 12 {
		second = timeBCD[10:12]
	}
	return fmt.Sprintf("%04d-%s-%s %s:%s:%s", year, month, day, hour, minute, second)
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
