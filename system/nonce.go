package system

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

const pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

var (
	nonceMu       sync.Mutex
	lastPushMilli int64
	lastRandTail  []byte
)

// GenerateNonce 生成 n 位随机串（字符集同 push id）
func GenerateNonce(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	max := big.NewInt(int64(len(pushChars)))
	for i := range buf {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			buf[i] = pushChars[time.Now().UnixNano()%int64(len(pushChars))]
			continue
		}
		buf[i] = pushChars[v.Int64()]
	}
	return string(buf)
}

// GeneratePushID 生成按时间排序的 id：前 8 位编码毫秒时间戳，其余随机。
// 同一毫秒内连续生成时随机尾部递增，保证单进程内单调。
func GeneratePushID(n int) string {
	if n <= 0 {
		return ""
	}
	nonceMu.Lock()
	defer nonceMu.Unlock()

	now := time.Now().UnixMilli()
	head := make([]byte, 8)
	ts := now
	for i := 7; i >= 0; i-- {
		head[i] = pushChars[ts%64]
		ts >>= 6
	}
	if n <= len(head) {
		return string(head[:n])
	}

	tailLen := n - len(head)
	if now == lastPushMilli && len(lastRandTail) == tailLen {
		incrementTail(lastRandTail)
	} else {
		lastRandTail = []byte(GenerateNonce(tailLen))
	}
	lastPushMilli = now
	return string(head) + string(lastRandTail)
}

func incrementTail(tail []byte) {
	for i := len(tail) - 1; i >= 0; i-- {
		idx := indexOfPushChar(tail[i])
		if idx < len(pushChars)-1 {
			tail[i] = pushChars[idx+1]
			return
		}
		tail[i] = pushChars[0]
	}
}

func indexOfPushChar(c byte) int {
	for i := 0; i < len(pushChars); i++ {
		if pushChars[i] == c {
			return i
		}
	}
	return 0
}
