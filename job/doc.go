// Package job defines commands, typed job definitions and the handler
// registry.
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-encoded at
// dispatch time and decoded before the handler runs:
//
//	var SendEmail = job.NewDefinition("send_email",
//	    func(ctx context.Context, in EmailInput) error {
//	        return mailer.Send(in.To, in.Subject, in.Body)
//	    },
//	    job.OnFailure(func(ctx context.Context, in EmailInput, err error) {
//	        alerts.Notify("email to %s failed: %v", in.To, err)
//	    }),
//	    job.WithDefaults[EmailInput](envelope.WithMaxTries(3)),
//	)
//
// # Commands
//
// A [Command] is the serializable form handed to the dispatcher: the job
// name plus its encoded arguments.
//
//	cmd, err := SendEmail.Command(EmailInput{To: "a@example.com"})
//
// # Registry
//
// [Registry] maps job names to type-erased handlers. Register definitions
// at startup via [RegisterDefinition].
package job
