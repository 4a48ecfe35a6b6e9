package collab

import (
	"context"
	"hash/fnv"
	"sync"
)

// DocumentLoader：首次加入时从外部文档存储取回持久化状态。
type DocumentLoader interface {
	LoadDocument(ctx context.Context, docID string) (content string, version uint64, err error)
}

// Registry：按 docID 分片的 session 注册表。
// 每个文档一个独立 actor，分片只为摊薄查表锁——文档之间不共享任何锁，
// 这是按文档水平扩展的前提（不搞全局可变大 map）。
type Registry struct {
	shards [registryShards]registryShard

	loader    DocumentLoader
	snapshots SnapshotStore
	presence  PresenceSink
	audit     AuditSink
	opts      SessionOptions
}

const registryShards = 16

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(loader DocumentLoader, snapshots SnapshotStore, presence PresenceSink, audit AuditSink, opts SessionOptions) *Registry {
	r := &Registry{
		loader:    loader,
		snapshots: snapshots,
		presence:  presence,
		audit:     audit,
		opts:      opts,
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(docID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(docID))
	return &r.shards[h.Sum32()%registryShards]
}

// Get 返回文档的 session，必要时从存储加载并启动新 actor。
func (r *Registry) Get(ctx context.Context, docID string) (*Session, error) {
	sh := r.shard(docID)

	sh.mu.RLock()
	s := sh.sessions[docID]
	sh.mu.RUnlock()
	if s != nil && !s.isClosed() {
		return s, nil
	}

	// 加载放在锁外（可能是一次慢速存储调用）
	content, version, err := r.loader.LoadDocument(ctx, docID)
	if err != nil {
		return nil, err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s = sh.sessions[docID]; s != nil && !s.isClosed() {
		return s, nil // 并发创建时沿用先到的
	}
	s = NewSession(docID, content, version, r.snapshots, r.presence, r.audit, r.evict, r.opts)
	sh.sessions[docID] = s
	return s, nil
}

// evict：session 闲置自停后从注册表摘除（下次加入会重新加载）。
func (r *Registry) evict(docID string) {
	sh := r.shard(docID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s := sh.sessions[docID]; s != nil && s.isClosed() {
		delete(sh.sessions, docID)
	}
}

// CloseAll：进程退出前把所有在管文档落盘。
func (r *Registry) CloseAll(ctx context.Context) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		sessions := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			sessions = append(sessions, s)
		}
		sh.sessions = make(map[string]*Session)
		sh.mu.Unlock()
		for _, s := range sessions {
			_ = s.Close(ctx)
		}
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
