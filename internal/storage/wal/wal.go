package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務狀態變更到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以恢復排程器狀態
// 3. 快照後壓縮日誌（只保留快照之後的事件）
// 4. 確保寫入持久性與資料完整性
//
// 序號在整個生命週期內單調遞增，Rotate 不會重置序號；
// 快照記錄 LastSeq，恢復時只重放 Seq > LastSeq 的事件。
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	stat, statErr := file.Stat()
	if statErr == nil && stat.Size() > 0 {
		lastEvent, err := GetLastEvent(path)
		switch {
		case err == nil:
			seq = lastEvent.Seq
		case errors.Is(err, ErrEmptyWAL):
		default:
			file.Close()
			return nil, fmt.Errorf("wal: read last event: %w", err)
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一個任務狀態變更到 WAL
//
// 行為：
// - 自動遞增 seq
// - 序列化完整任務並計算 checksum
// - 寫入緩衝區；forceFlush、syncOnAppend、緩衝區已滿或逾時則立即寫入磁碟
func (w *WAL) Append(eventType EventType, job types.Job, forceFlush bool) (uint64, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal job %s: %w", job.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     job.ID,
		Timestamp: time.Now().UnixMilli(),
		Job:       raw,
	}
	event.Checksum = CalculateChecksum(event.Seq, event.Type, event.Timestamp, event.Job)
	w.buffer = append(w.buffer, event)

	if forceFlush || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		if err := w.flushLocked(); err != nil {
			return event.Seq, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 依序重放 Seq > afterSeq 的事件
//
// 行為：
// - 驗證每個事件的 checksum，失敗回傳 *ChecksumError
// - 檔尾被截斷的事件（當機時寫到一半）會被忽略
// - handler 回傳錯誤立即停止
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	return replayFile(w.path, afterSeq, handler)
}

func replayFile(path string, afterSeq uint64, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	return decodeEvents(file, func(event Event) error {
		if !VerifyChecksum(event) {
			return newChecksumError(event)
		}
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
}

// decodeEvents 逐一解析事件；截斷的檔尾視為結束
func decodeEvents(r io.Reader, fn func(Event) error) error {
	decoder := json.NewDecoder(r)
	var lastSeq uint64
	for {
		var event Event
		err := decoder.Decode(&event)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			log.Warn("wal: ignoring torn tail", "afterSeq", lastSeq, "offset", decoder.InputOffset())
			return nil
		}
		if err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: decoder.InputOffset(), Cause: err}
		}
		if err := fn(event); err != nil {
			return err
		}
		lastSeq = event.Seq
	}
}

// Rotate 壓縮日誌：只保留 Seq > keepAfter 的事件
//
// 舊檔案保留為 path + ".prev" 供除錯使用。
// 序號不會重置。
func (w *WAL) Rotate(keepAfter uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	kept := 0
	err = replayFile(w.path, keepAfter, func(event Event) error {
		kept++
		return enc.Encode(event)
	})
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: rotate: %w", err)
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.path, w.path+".prev"); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	w.lastFlushTime = time.Now()

	log.Debug("wal rotated", "keepAfter", keepAfter, "kept", kept)
	return nil
}

// Close 關閉 WAL；關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// AdvanceSeq 確保之後的序號大於 seq（日誌壓縮後從快照恢復時使用）
func (w *WAL) AdvanceSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for i, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			// 保留尚未寫入的事件
			w.buffer = append(w.buffer[:0], w.buffer[i:]...)
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}
