package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/satoru707/voting-app/internal/model"
)

// FingerprintLength 十六进制SHA-256摘要长度
const FingerprintLength = sha256.Size * 2

// CastAtLayout 参与指纹计算的时间格式，精度与存储一致（微秒）
const CastAtLayout = "2006-01-02T15:04:05.000000Z07:00"

// 字段顺序即序列化顺序，不可调整
type fingerprintInput struct {
	Prev        string `json:"prev"`
	ElectionID  string `json:"electionId"`
	VoterID     string `json:"voterId"`
	CandidateID string `json:"candidateId"`
	Position    string `json:"position"`
	Timestamp   string `json:"timestamp"`
}

// NormalizeCastAt 把时间截断到存储精度并转为UTC
func NormalizeCastAt(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// FormatCastAt 指纹中使用的时间字符串
func FormatCastAt(t time.Time) string {
	return NormalizeCastAt(t).Format(CastAtLayout)
}

// Fingerprint 计算选票在链上的指纹: H(prev, 选票字段)
func Fingerprint(prev string, b *model.Ballot) string {
	data, _ := json.Marshal(fingerprintInput{
		Prev:        prev,
		ElectionID:  b.ElectionID,
		VoterID:     b.VoterID,
		CandidateID: b.CandidateID,
		Position:    b.Position,
		Timestamp:   FormatCastAt(b.CastAt),
	})

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Extend 从 head 开始依次为选票计算指纹，返回新的链头
func Extend(head string, ballots []model.Ballot) string {
	for i := range ballots {
		ballots[i].Fingerprint = Fingerprint(head, &ballots[i])
		head = ballots[i].Fingerprint
	}
	return head
}
