package transport

import (
	"sync"
	"sync/atomic"
)

// EndpointSet 连接集合，按 endpoint id 索引
type EndpointSet struct {
	sync.Map // key: id string, value: *Endpoint
	count    int64
}

func NewEndpointSet() *EndpointSet {
	return &EndpointSet{}
}

// Add 注册连接；重复注册不会重复计数
func (s *EndpointSet) Add(e *Endpoint) {
	if e == nil {
		return
	}
	if _, loaded := s.LoadOrStore(e.ID(), e); !loaded {
		atomic.AddInt64(&s.count, 1)
	}
}

// Remove 移除连接
func (s *EndpointSet) Remove(id string) {
	if _, loaded := s.LoadAndDelete(id); loaded {
		atomic.AddInt64(&s.count, -1)
	}
}

func (s *EndpointSet) Count() int64 {
	return atomic.LoadInt64(&s.count)
}

func (s *EndpointSet) Get(id string) (*Endpoint, bool) {
	v, ok := s.Load(id)
	if !ok {
		return nil, false
	}
	e, ok := v.(*Endpoint)
	return e, ok
}

// All 获取所有连接
func (s *EndpointSet) All() []*Endpoint {
	eps := make([]*Endpoint, 0)
	s.Range(func(_, value any) bool {
		if e, ok := value.(*Endpoint); ok {
			eps = append(eps, e)
		}
		return true
	})
	return eps
}

// CloseAll closes every endpoint in the set.
func (s *EndpointSet) CloseAll() {
	for _, e := range s.All() {
		_ = e.Close()
	}
}
