package errs

import "errors"

var (
	// 投票被拒绝，均发生在写入账本之前
	ElectionNotOpen           = NewError(100, "election is not open for voting")
	NotEligible               = NewError(101, "voter is not eligible for this election")
	CandidateCannotVote       = NewError(102, "candidates cannot vote in their own election")
	AlreadyVoted              = NewError(103, "voter has already voted in this election")
	IncompleteOrInvalidBallot = NewError(104, "ballot must name exactly one registered candidate for every contested position")

	// 关闭请求被拒绝
	Forbidden        = NewError(200, "not authorized to close this election")
	DuplicateRequest = NewError(201, "admin has already requested to close this election")

	ElectionNotFound    = NewError(300, "election not found")
	ResultsNotAvailable = NewError(301, "results are only available once the election is closed")
	InvalidTransition   = NewError(302, "invalid election status transition")

	// 账本头在读取后被其他写入者推进，调用方应重算后重试
	ChainConflict   = NewError(400, "ledger head moved during append")
	Unauthenticated = NewError(401, "authentication required")

	StorageFailure = NewError(500, "storage failure")
)

// As 从错误链中取出 *Error
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
