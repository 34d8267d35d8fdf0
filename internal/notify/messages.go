package notify

import "fmt"

// User-facing texts.
const (
	TextUnavailable     = "ระบบขัดข้อง กรุณาลองใหม่อีกครั้งภายหลัง"
	TextReplyFallback   = "ขออภัย ระบบหมอดู AI ไม่สามารถให้คำตอบได้ในขณะนี้ กำลังปรับปรุงระบบ"
	TextWelcome         = "🙏 ยินดีต้อนรับสู่ ดวงจิต AI!"
	TextPaymentPrompt   = "สิทธิ์การใช้งานของคุณหมดแล้ว แนบสลิปเพื่อรับสิทธิ์ใช้งานดวงจิต หมอดู AI"
	TextInvitePrompt    = "ชวนเพื่อนมาใช้ดวงจิต AI รับสิทธิ์เพิ่มฟรี! แชร์ลิงก์ให้เพื่อนได้เลย"
	TextNoAccount       = "คุณยังไม่มีสิทธิ์ใช้งาน"
	TextSlipReceived    = "📥 ได้รับสลิปแล้ว กำลังตรวจสอบ"
	TextSlipResubmit    = "ไม่พบยอดเงินในสลิป กรุณาแนบสลิปใหม่อีกครั้ง"
	TextSlipUnderReview = "📥 ได้รับสลิปแล้ว รอเจ้าหน้าที่ตรวจสอบ"
	TextSlipRejected    = "สลิปของคุณไม่ผ่านการตรวจสอบ กรุณาแนบสลิปใหม่อีกครั้ง"
)

// BalanceText answers the balance command.
func BalanceText(usage, quota int) string {
	return fmt.Sprintf("คุณใช้ไปแล้ว %d ครั้ง / %d ครั้ง", usage, quota)
}

// SlipCreditedText confirms a credited slip.
func SlipCreditedText(amount int) string {
	return fmt.Sprintf("📥 ได้รับสลิปแล้ว เพิ่มสิทธิ์ %d ครั้งเรียบร้อย ✅", amount)
}

// ReferralCreditedText tells a referrer they were rewarded.
func ReferralCreditedText(amount int) string {
	return fmt.Sprintf("🎉 เพื่อนของคุณเข้าร่วมแล้ว รับสิทธิ์เพิ่ม %d ครั้ง", amount)
}
