package bus

import "strconv"

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
func itoa(v int32) string   { return strconv.FormatInt(int64(v), 10) }
func utoa(v uint64) string  { return strconv.FormatUint(v, 10) }
func utoa64(v int64) string { return strconv.FormatInt(v, 10) }
