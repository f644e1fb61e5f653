package rtdb

// ExecutionOutcome is what a user block returns from Execute.
type ExecutionOutcome int

const (
	ExecutionWrite ExecutionOutcome = iota
	ExecutionDelete
	ExecutionAbort
)

// ExecutionResult is what a user block computes against the currently
// fetched document.
type ExecutionResult struct {
	Outcome ExecutionOutcome
	// Value is the new body, used when Outcome is ExecutionWrite.
	Value map[string]any
}

func WriteResult(value map[string]any) ExecutionResult {
	return ExecutionResult{Outcome: ExecutionWrite, Value: value}
}

func DeleteResult() ExecutionResult {
	return ExecutionResult{Outcome: ExecutionDelete}
}

func AbortResult() ExecutionResult {
	return ExecutionResult{Outcome: ExecutionAbort}
}

// ExecutionBlock computes the next state of a document from its current
// value (nil if the document does not yet exist).
type ExecutionBlock func(current map[string]any) ExecutionResult

// Execute runs the optimistic read-modify-write loop of spec §4.6: fetch,
// invoke block, mutate/delete with the fetched etag, and on
// executionFailed(writeConflict) restart from the fetch. There is no
// fixed retry cap; the caller cancels by abandoning the session.
func Execute(session *SessionManager, colId string, docId string, block ExecutionBlock, callback func(error)) {
	attempt(session, colId, docId, block, callback)
}

func attempt(session *SessionManager, colId string, docId string, block ExecutionBlock, callback func(error)) {
	query := &Query{Filter: &SimpleFilter{KeyPath: "$id", Relation: RelationEq, Value: docId}}
	session.Fetch(colId, query, func(docs []*Document, err error) {
		if err != nil {
			callback(err)
			return
		}

		var current map[string]any
		var etag string
		for _, doc := range docs {
			if doc.Id == docId && !doc.IsTombstone() {
				// clone so the user block can freely mutate its view
				// without corrupting the document snapshot itself.
				current = doc.clone().Value
				etag = doc.Etag
			}
		}

		result := block(current)
		switch result.Outcome {
		case ExecutionAbort:
			callback(NewExecutionFailedError(ExecutionFailedAborted, "execution aborted by caller"))
			return
		case ExecutionDelete:
			session.Delete(colId, docRef{Id: docId, Etag: etag}, func(err error) {
				retryOrComplete(session, colId, docId, block, callback, err)
			})
		default:
			session.Mutate(colId, docRef{Id: docId, Etag: etag, Body: result.Value}, func(err error) {
				retryOrComplete(session, colId, docId, block, callback, err)
			})
		}
	})
}

func retryOrComplete(session *SessionManager, colId string, docId string, block ExecutionBlock, callback func(error), err error) {
	if IsKind(err, ErrorExecutionFailed) {
		if rtdbErr, ok := err.(*Error); ok && ExecutionFailedReason(rtdbErr.Reason) == ExecutionFailedWriteConflict {
			attempt(session, colId, docId, block, callback)
			return
		}
	}
	callback(err)
}
