package model

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Date is a unix timestamp in milliseconds. It decodes both a bare number
// and the EJSON form {"$date": n} used on the wire.
type Date int64

func (d Date) Millis() int64 { return int64(d) }

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(d), 10)), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = 0
		return nil
	}
	if data[0] == '{' {
		var ejson struct {
			Date int64 `json:"$date"`
		}
		if err := json.Unmarshal(data, &ejson); err != nil {
			return err
		}
		*d = Date(ejson.Date)
		return nil
	}
	var millis int64
	if err := json.Unmarshal(data, &millis); err != nil {
		return err
	}
	*d = Date(millis)
	return nil
}

// EJSONDate encodes millis as {"$date": millis}, or nil when millis is zero.
func EJSONDate(millis int64) any {
	if millis <= 0 {
		return nil
	}
	return map[string]int64{"$date": millis}
}
