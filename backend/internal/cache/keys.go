package cache

import "fmt"

// 键语义：
// - roomKey(docID, instance): 某个实例上该房间的在线成员（Hash<connID -> 名字>），由该实例整体覆盖写
// - roomInstancesKey(docID):  该房间有成员的实例集合（Set<instance>）
// - docsKey():                有人在线的文档集合（Set<docID>）
// - existsKey(docID):         文档是否存在的缓存，"1" 存在，"-1" 空值标记
//
// {docID:%s} 为 hash tag，集群模式下同一文档的键落在同一个 slot

const (
	keyRoomFmt      = "presence:room:{docID:%s}:%s"
	keyInstancesFmt = "presence:room:{docID:%s}:instances"
	keyDocsSet      = "presence:docs"
	keyExistsFmt    = "doc:exists:{docID:%s}"
)

func roomKey(docID, instance string) string { return fmt.Sprintf(keyRoomFmt, docID, instance) }
func roomInstancesKey(docID string) string  { return fmt.Sprintf(keyInstancesFmt, docID) }
func docsKey() string                       { return keyDocsSet }
func existsKey(docID string) string         { return fmt.Sprintf(keyExistsFmt, docID) }
