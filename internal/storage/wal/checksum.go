package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋範圍：Seq + Type + Timestamp + 完整的任務 JSON
func CalculateChecksum(seq uint64, eventType EventType, timestamp int64, job []byte) uint32 {
	h := crc32.NewIEEE()
	buf := make([]byte, 0, 64)
	buf = strconv.AppendUint(buf, seq, 10)
	buf = append(buf, '|')
	buf = append(buf, eventType...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, timestamp, 10)
	buf = append(buf, '|')
	h.Write(buf)
	h.Write(job)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Seq, event.Type, event.Timestamp, event.Job)
}
