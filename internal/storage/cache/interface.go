package cache

// Cache 进程内有界缓存接口；Kernel 用它记忆上下文读取
type Cache interface {
	// Get 读取并刷新最近访问时间；不存在返回 false
	Get(key string) (any, bool)
	// Peek 读取但不刷新访问时间
	Peek(key string) (any, bool)
	// Set 写入；容量已满时先淘汰最久未访问的条目
	Set(key string, value any)
	// Delete 删除
	Delete(key string)
	// Clear 清空
	Clear()
	// Len 当前条目数
	Len() int
	// Stats 统计信息
	Stats() Stats
}

// Stats 缓存统计
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}
