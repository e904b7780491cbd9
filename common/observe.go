package common

// Observer receives full snapshots of a live query. OnError is called out of
// band when delivery is interrupted; delivery resumes afterwards unless the
// subscription was cancelled.
type Observer[T any] struct {
	OnSnapshot func([]T)
	OnError    func(error)
}

func (o Observer[T]) Snapshot(items []T) {
	if o.OnSnapshot != nil {
		o.OnSnapshot(items)
	}
}

func (o Observer[T]) Fail(err error) {
	if o.OnError != nil && err != nil {
		o.OnError(err)
	}
}

type Subscription interface {
	Unsubscribe()
}

// UnsubscribeFunc adapts a plain function to Subscription.
type UnsubscribeFunc func()

func (f UnsubscribeFunc) Unsubscribe() {
	f()
}
