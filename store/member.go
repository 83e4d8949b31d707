package store

import (
	"fmt"
	"strconv"
	"strings"
)

// encodeMember 把 (队内序号, 优先级, 消息ID) 编码为租约凭证。
// 序号零填充到 16 位，保证同优先级内按字典序即按入队顺序排序，
// Redis 实现依赖这一点在 ZSET 中做 FIFO 决胜。
func encodeMember(seq uint64, priority int, id string) string {
	return fmt.Sprintf("%016d:%d:%s", seq, priority, id)
}

// parseMember 还原凭证的三个字段。
func parseMember(member string) (seq uint64, priority int, id string, err error) {
	parts := strings.SplitN(member, ":", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("malformed member: %q", member)
	}
	seq, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed member seq: %q", member)
	}
	priority, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed member priority: %q", member)
	}
	return seq, priority, parts[2], nil
}
