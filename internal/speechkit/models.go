package speechkit

// RecognitionResponse is the body of a synchronous recognition call.
// Failures carry ErrorCode/ErrorMessage instead of Result.
type RecognitionResponse struct {
	Result       string `json:"result"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}
