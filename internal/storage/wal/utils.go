package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助與診斷功能
// ============================================================================

import (
	"fmt"
	"io"
	"os"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 從頭到尾掃描，回傳最後一個成功解析的事件；
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	err = decodeEvents(file, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n := 0
	err = decodeEvents(file, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（壓縮後第一個 seq 不必為 1）
func ValidateWAL(path string) error {
	var lastSeq uint64
	first := true
	return replayFile(path, 0, func(event Event) error {
		if !first && event.Seq <= lastSeq {
			return fmt.Errorf("%w: seq=%d after %d", ErrOutOfOrder, event.Seq, lastSeq)
		}
		if _, err := event.DecodeJob(); err != nil {
			return err
		}
		first = false
		lastSeq = event.Seq
		return nil
	})
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] SCHEDULED job-001 at 2025-11-20T10:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return decodeEvents(file, func(event Event) error {
		mark := ""
		if !VerifyChecksum(event) {
			mark = " CORRUPTED"
		}
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s at %s (checksum:0x%08x)%s\n",
			event.Seq, event.Type, event.JobID,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339), event.Checksum, mark)
		return err
	})
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents    int               // 總事件數
	EventTypes     map[EventType]int // 各類型事件計數
	FirstSeq       uint64            // 第一個事件的 seq
	LastSeq        uint64            // 最後一個事件的 seq
	TimeRange      [2]int64          // 時間範圍 [最早, 最晚]
	CorruptedCount int               // 校驗和錯誤的事件數
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err = decodeEvents(file, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		if event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		if !VerifyChecksum(event) {
			stats.CorruptedCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
