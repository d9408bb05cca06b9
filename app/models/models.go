package models

// All lists every model managed by AutoMigrate, parents first.
func All() []interface{} {
	return []interface{}{
		&Product{},
		&Plan{},
		&User{},
		&MailAccount{},
		&MailAddress{},
		&Subscription{},
		&SubscriptionItem{},
		&Transaction{},
		&BillingWebhookEvent{},
	}
}
